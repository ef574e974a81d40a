package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/webmesh"
	"github.com/luciancaetano/webmesh/internal/frame"
	"github.com/luciancaetano/webmesh/internal/protocol"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Only connections upgraded through HandleWebSocket are checked.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is a callback function that is called when a new peer connects.
// It is called after the WebSocket handshake completes and before the message
// reading loop starts. This is the ideal place to:
//   - Track connected peers
//   - Perform authentication or authorization
//   - Initialize connection-specific state
//
// Note: This function is called synchronously on the connection's read goroutine.
// Messages from the peer are not read until it returns.
type OnConnectFn = func(conn webmesh.Conn)

// OnDisconnectFn is a callback type invoked when a connection ends.
// The boolean is true when the peer started the close handshake (voluntary), and false for
// dropped sockets and server-initiated closes.
type OnDisconnectFn = func(conn webmesh.Conn, voluntary bool)

// Server defaults.
const (
	DefaultHost             = "0.0.0.0"
	DefaultReadTimeout      = time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultPingInterval     = 54 * time.Second
	DefaultIdleTimeout      = 60 * time.Second
	DefaultTracerName       = "github.com/luciancaetano/webmesh"

	// how long a closing connection waits for the peer's acknowledgement
	closeGracePeriod = 5 * time.Second
)

// ServerConfig configures a Server. Zero values select the defaults.
type ServerConfig struct {
	Host string
	// Port 0 binds a free port, see Server.Addr.
	Port  int
	Debug bool

	Workers   int
	QueueSize int

	Serializer webmesh.Serializer
	Protocol   webmesh.Protocol

	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	// PingInterval < 0 disables keepalive pings.
	PingInterval time.Duration
	// IdleTimeout < 0 disables closing silent peers.
	IdleTimeout time.Duration

	// ConcurrentDispatch lets messages from the same connection run on several workers at
	// once. By default a connection's messages are handled one at a time in arrival order.
	ConcurrentDispatch bool

	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn
	// NotFound answers messages addressed to unregistered targets.
	NotFound webmesh.HandlerFunc

	Logger     *slog.Logger
	Metrics    *Metrics
	TracerName string
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Workers <= 0 {
		c.Workers = webmesh.DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Serializer == nil {
		c.Serializer = protocol.Binary{}
	}
	if c.Protocol == nil {
		c.Protocol = protocol.SimpleDict{}
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = webmesh.DefaultReadBufferSize
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RateLimitConfig == nil {
		c.RateLimitConfig = DefaultRateLimitConfig()
	}
	if c.NotFound == nil {
		c.NotFound = notFound
	}
	if c.Logger == nil {
		c.Logger = newLogger(c.Debug)
	}
	if c.TracerName == "" {
		c.TracerName = DefaultTracerName
	}
	return c
}

func notFound(context.Context, any, string, webmesh.Conn) (any, error) {
	return webmesh.NotFoundResponse, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Server implements the webmesh.Server interface
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	upgrader websocket.Upgrader

	handlers sync.Map // map[string]webmesh.HandlerFunc
	conns    sync.Map // map[string]*Conn
	count    atomic.Int64

	mu   sync.Mutex
	life *lifecycle
}

var _ webmesh.Server = (*Server)(nil)

// lifecycle is the state of one Start..Stop run.
type lifecycle struct {
	ctx       context.Context
	cancel    context.CancelFunc
	listener  net.Listener
	pool      *Pool
	wg        sync.WaitGroup
	stopWatch func() bool
}

// New creates a new server instance with the specified configuration.
//
// The server listens on a raw TCP socket for WebSocket upgrades; HandleWebSocket additionally
// lets the same engine serve connections upgraded by an existing HTTP server using the
// Gorilla WebSocket library with read/write buffer sizes of 1024 bytes.
// Rate limiting is applied per-connection using a token bucket algorithm.
//
// Example:
//
//	server := New(&ServerConfig{Port: 4269})
//	server.On("/echo", func(ctx context.Context, payload any, target string, conn webmesh.Conn) (any, error) {
//	    return payload, nil
//	})
func New(cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	c := cfg.withDefaults()

	return &Server{
		cfg:     c,
		logger:  c.Logger.With("component", "server"),
		metrics: c.Metrics,
		tracer:  otel.Tracer(c.TracerName),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: c.HandshakeTimeout,
			CheckOrigin:      c.CheckOrigin,
		},
	}
}

// On registers a handler for path. The last registration for a path wins.
func (s *Server) On(path string, handler webmesh.HandlerFunc) {
	s.handlers.Store(path, handler)
}

// Start binds the listening socket and accepts connections in the background.
// Cancelling ctx stops the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.life != nil {
		return webmesh.ErrServerAlreadyRunning
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	life := &lifecycle{
		listener: ln,
		pool:     NewPool(s.cfg.Workers, s.cfg.QueueSize, s.logger),
	}
	life.ctx, life.cancel = context.WithCancel(context.Background())
	life.stopWatch = context.AfterFunc(ctx, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), closeGracePeriod)
		defer cancel()
		s.stop(stopCtx, life)
	})
	s.life = life

	life.wg.Add(1)
	go s.acceptLoop(life)

	s.logger.Info("listening", "addr", "ws://"+ln.Addr().String(), "workers", s.cfg.Workers)
	return nil
}

// Stop closes the listener, sends Close 1001 to every connection and waits for connection
// loops and queued handlers until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	life := s.life
	s.mu.Unlock()

	if life == nil {
		return nil
	}
	return s.stop(ctx, life)
}

func (s *Server) stop(ctx context.Context, life *lifecycle) error {
	s.mu.Lock()
	if s.life != life {
		s.mu.Unlock()
		return nil
	}
	s.life = nil
	s.mu.Unlock()

	life.stopWatch()
	life.listener.Close()

	// Close all connections
	s.conns.Range(func(_, value any) bool {
		if conn, ok := value.(*Conn); ok {
			conn.Close(webmesh.CloseGoingAway, "server stopping")
		}
		return true
	})
	life.cancel()

	done := make(chan struct{})
	go func() {
		life.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.conns.Range(func(_, value any) bool {
			if conn, ok := value.(*Conn); ok {
				conn.Shutdown()
			}
			return true
		})
		return ctx.Err()
	}

	err := life.pool.Close(ctx)
	s.logger.Info("stopped")
	return err
}

// Addr returns the bound listening address, or "" when the server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.life == nil {
		return ""
	}
	return s.life.listener.Addr().String()
}

// Conn returns the open connection with the given id.
func (s *Server) Conn(id string) (*Conn, bool) {
	v, ok := s.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	return int(s.count.Load())
}

// HandleWebSocket upgrades an HTTP request and serves the connection like one accepted
// by the listener. The server must be running.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	life := s.life
	if life != nil {
		life.wg.Add(1)
	}
	s.mu.Unlock()

	if life == nil {
		http.Error(w, webmesh.ErrServerNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}
	defer life.wg.Done()

	// Upgrade replies with an HTTP error itself when it fails
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := newOpenConn(wsConn.NetConn(), frame.RoleServer, s.cfg.ReadBufferSize, s.logger)
	conn.remoteAddr = r.RemoteAddr
	s.serveConn(life, conn)
}

func (s *Server) acceptLoop(life *lifecycle) {
	defer life.wg.Done()

	for {
		netConn, err := life.listener.Accept()
		if err != nil {
			if life.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-life.ctx.Done():
				return
			}
		}

		life.wg.Add(1)
		go func() {
			defer life.wg.Done()

			conn := newConn(netConn, frame.RoleServer, s.cfg.ReadBufferSize, s.logger)
			if err := conn.ServerHandshake(s.cfg.HandshakeTimeout); err != nil {
				s.logger.Debug("handshake failed", "remote_addr", conn.RemoteAddr(), "error", err)
				return
			}
			s.serveConn(life, conn)
		}()
	}
}

// serveConn runs the read loop of one open connection.
func (s *Server) serveConn(life *lifecycle, conn *Conn) {
	conn.rateLimiter = s.cfg.RateLimitConfig.newLimiter()

	s.conns.Store(conn.ID(), conn)
	s.count.Add(1)
	s.metrics.connOpened()
	conn.Logger().Info("connected", "remote_addr", conn.RemoteAddr())

	defer func() {
		s.conns.Delete(conn.ID())
		s.count.Add(-1)
		s.metrics.connClosed()

		voluntary := conn.PeerClosed()
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(conn, voluntary)
		}
		conn.Shutdown()
		conn.Logger().Info("disconnected", "voluntary", voluntary)
	}()

	// Call onConnect callback if provided
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(conn)
	}

	lastPing := time.Now()
	for {
		if life.ctx.Err() != nil {
			return
		}

		msg, ok, err := conn.Receive(s.cfg.ReadTimeout)
		if err != nil {
			if !errors.Is(err, webmesh.ErrConnectionClosed) {
				conn.Logger().Warn("connection failed", "error", err)
			}
			return
		}
		if !ok {
			if !s.keepalive(conn, &lastPing) {
				return
			}
			continue
		}

		// Check rate limit before processing message
		if !conn.CheckRateLimit() {
			conn.Logger().Warn("rate limit exceeded", "remote_addr", conn.RemoteAddr())
			s.metrics.rateLimitExceeded()
			conn.Close(webmesh.ClosePolicyViolation, "Rate limit exceeded")
			return
		}

		if err := s.enqueue(life, conn, msg); err != nil {
			return
		}
	}
}

// keepalive runs between reads. It returns false when the connection should be dropped.
func (s *Server) keepalive(conn *Conn, lastPing *time.Time) bool {
	switch conn.State() {
	case StateClosing:
		if conn.ClosingFor() > closeGracePeriod {
			conn.Logger().Debug("close handshake timed out")
			return false
		}
		return true
	case StateClosed:
		return false
	}

	if s.cfg.IdleTimeout > 0 && time.Since(conn.LastActivity()) > s.cfg.IdleTimeout {
		conn.Logger().Info("idle timeout")
		conn.Close(webmesh.CloseGoingAway, "idle timeout")
		return true
	}
	if s.cfg.PingInterval > 0 && time.Since(*lastPing) >= s.cfg.PingInterval {
		*lastPing = time.Now()
		if err := conn.Ping(); err != nil {
			conn.Logger().Debug("ping failed", "error", err)
			return false
		}
	}
	return true
}

// enqueue hands msg to the worker pool. Unless ConcurrentDispatch is set, messages of one
// connection go through its lane so at most one of them is being handled at a time.
func (s *Server) enqueue(life *lifecycle, conn *Conn, msg Message) error {
	if s.cfg.ConcurrentDispatch {
		return life.pool.Submit(life.ctx, func() { s.handleMessage(conn, msg) })
	}

	conn.laneMu.Lock()
	conn.lane = append(conn.lane, msg)
	if conn.laneBusy {
		conn.laneMu.Unlock()
		return nil
	}
	conn.laneBusy = true
	conn.laneMu.Unlock()

	err := life.pool.Submit(life.ctx, func() { s.drainLane(conn) })
	if err != nil {
		conn.laneMu.Lock()
		conn.lane = nil
		conn.laneBusy = false
		conn.laneMu.Unlock()
	}
	return err
}

func (s *Server) drainLane(conn *Conn) {
	defer func() {
		if r := recover(); r != nil {
			conn.laneMu.Lock()
			conn.lane = nil
			conn.laneBusy = false
			conn.laneMu.Unlock()
			panic(r)
		}
	}()

	for {
		conn.laneMu.Lock()
		if len(conn.lane) == 0 {
			conn.laneBusy = false
			conn.laneMu.Unlock()
			return
		}
		msg := conn.lane[0]
		conn.lane[0] = Message{}
		conn.lane = conn.lane[1:]
		conn.laneMu.Unlock()

		s.handleMessage(conn, msg)
	}
}

// handleMessage decodes, dispatches and answers one message. It runs on a pool worker.
func (s *Server) handleMessage(conn *Conn, msg Message) {
	decoded, err := s.cfg.Serializer.Deserialize(msg.Data)
	if err != nil {
		conn.Logger().Warn("dropping malformed message", "error", err)
		s.metrics.decodeError()
		return
	}
	target, payload, err := s.cfg.Protocol.Unpack(decoded)
	if err != nil {
		conn.Logger().Warn("dropping malformed envelope", "error", err)
		s.metrics.decodeError()
		return
	}

	conn.Logger().Debug("message received", "target", target)

	resp := s.dispatch(conn, target, payload)
	if resp == nil {
		return
	}

	data, err := s.cfg.Serializer.Serialize(s.cfg.Protocol.PackResponse(target, resp))
	if err != nil {
		conn.Logger().Error("failed to encode response", "target", target, "error", err)
		return
	}
	if err := conn.Send(s.cfg.Serializer.Kind(), data); err != nil {
		conn.Logger().Warn("failed to send response", "target", target, "error", err)
	}
}

// dispatch runs the handler for target inside a span. Handler errors and panics are logged
// and yield no response.
func (s *Server) dispatch(conn *Conn, target string, payload any) (resp any) {
	handler, label, status := s.route(target)

	ctx, span := s.tracer.Start(conn.Context(), "webmesh.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("webmesh.target", target),
			attribute.String("webmesh.conn_id", conn.ID()),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: panic: %v", webmesh.ErrHandler, r)
			conn.Logger().Error("handler panicked", "target", target, "error", err, "stack", string(debug.Stack()))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.metrics.messageHandled(label, statusError, time.Since(start))
			resp = nil
		}
	}()

	resp, err := handler(ctx, payload, target, conn)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", webmesh.ErrHandler, target, err)
		conn.Logger().Error("handler failed", "target", target, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.messageHandled(label, statusError, time.Since(start))
		return nil
	}

	s.metrics.messageHandled(label, status, time.Since(start))
	return resp
}

func (s *Server) route(target string) (webmesh.HandlerFunc, string, string) {
	if h, ok := s.handlers.Load(target); ok {
		return h.(webmesh.HandlerFunc), target, statusOK
	}
	s.logger.Debug("no route", "target", target, "error", webmesh.ErrRouteNotFound)
	return s.cfg.NotFound, unmatchedTarget, statusNotFound
}
