package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/webmesh"
	"github.com/luciancaetano/webmesh/internal/config"
	"github.com/luciancaetano/webmesh/internal/websocket"
	"github.com/luciancaetano/webmesh/ws"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(cfg *config.Config) *cobra.Command {
	var concurrent bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a mesh server with the demo routes",
		Long: `Run a mesh server exposing the demo routes:

  /echo     replies with the payload
  /id       replies with the connection id
  /inc      increments a per-connection counter, no reply
  /getinc   replies with the counter

With --http-addr an HTTP listener also serves the mesh on /ws and
Prometheus metrics on /metrics.

Examples:
  webmesh serve
  webmesh serve --port=9000 --serializer=json
  webmesh serve --http-addr=:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, concurrent)
		},
	}

	cmd.Flags().IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "Handler worker count")
	cmd.Flags().StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "Address of the HTTP listener serving /ws and /metrics")
	cmd.Flags().BoolVar(&concurrent, "concurrent", false, "Handle messages of one connection concurrently")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, concurrent bool) error {
	logger := newLogger(cfg)

	serializer, err := cfg.SerializerImpl()
	if err != nil {
		return err
	}
	proto, err := cfg.ProtocolImpl()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rateLimit := ws.NoRateLimit()
	if cfg.RateLimit > 0 {
		rateLimit = &ws.RateLimitConfig{MessagesPerSecond: rate.Limit(cfg.RateLimit), Burst: cfg.RateBurst, Enabled: true}
	}

	server := ws.New(&ws.ServerConfig{
		Host:               cfg.Host,
		Port:               cfg.Port,
		Debug:              cfg.Debug,
		Workers:            cfg.Workers,
		Serializer:         serializer,
		Protocol:           proto,
		ConcurrentDispatch: concurrent,
		RateLimitConfig:    rateLimit,
		Logger:             logger,
		Metrics:            websocket.NewMetrics(websocket.WithRegistry(reg)),
		OnConnect: func(conn webmesh.Conn) {
			conn.Set(connectedAtKey, time.Now())
		},
		OnDisconnect: func(conn webmesh.Conn, voluntary bool) {
			if at, ok := conn.Get(connectedAtKey); ok {
				conn.Logger().Debug("session ended", "duration", time.Since(at.(time.Time)), "voluntary", voluntary)
			}
		},
	})
	registerDemoRoutes(server)

	if err := server.Start(context.Background()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTPAddr != "" {
		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           newRouter(server, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	return g.Wait()
}

// newRouter mounts the mesh and the metrics endpoint on a chi router.
func newRouter(server *ws.Server, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", server.HandleWebSocket)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if server.Addr() == "" {
			http.Error(w, webmesh.ErrServerNotRunning.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}

const (
	counterKey     = "counter"
	connectedAtKey = "connected_at"
)

func registerDemoRoutes(server *ws.Server) {
	server.On("/echo", func(_ context.Context, payload any, _ string, _ webmesh.Conn) (any, error) {
		return payload, nil
	})

	server.On("/id", func(_ context.Context, _ any, _ string, conn webmesh.Conn) (any, error) {
		return conn.ID(), nil
	})

	server.On("/inc", func(_ context.Context, _ any, _ string, conn webmesh.Conn) (any, error) {
		conn.Update(counterKey, func(old any) any {
			n, _ := old.(int64)
			return n + 1
		})
		return nil, nil
	})

	server.On("/getinc", func(_ context.Context, _ any, _ string, conn webmesh.Conn) (any, error) {
		v, _ := conn.Get(counterKey)
		n, _ := v.(int64)
		return n, nil
	})
}
