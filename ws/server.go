package ws

import (
	"net/http"

	"github.com/luciancaetano/webmesh"
	"github.com/luciancaetano/webmesh/internal/protocol"
	"github.com/luciancaetano/webmesh/internal/websocket"
)

type Server = websocket.Server
type ServerConfig = websocket.ServerConfig
type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn
type Metrics = websocket.Metrics
type MetricsOption = websocket.MetricsOption

var _ webmesh.Server = (*Server)(nil)

// New creates a mesh server. A nil config selects every default: port 4269 on all
// interfaces, 5 workers, the Binary serializer and the SimpleDict protocol. A config
// with Port 0 binds a free port, reported by Addr after Start.
//
// Example:
//
//	server := ws.New(ws.NewConfig("0.0.0.0", 4269))
//	server.On("/echo", func(ctx context.Context, payload any, target string, conn webmesh.Conn) (any, error) {
//	    return payload, nil
//	})
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// The server also implements an http.HandlerFunc through HandleWebSocket so it can be
// mounted on an existing router:
//
//	r.Get("/ws", server.HandleWebSocket)
func New(cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = NewConfig(websocket.DefaultHost, webmesh.DefaultPort)
	}
	return websocket.New(cfg)
}

// NewConfig returns a server configuration for host:port with defaults for everything else.
func NewConfig(host string, port int) *ServerConfig {
	return &ServerConfig{
		Host:            host,
		Port:            port,
		RateLimitConfig: DefaultRateLimitConfig(),
	}
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// NewMetrics registers the mesh collectors, see websocket.NewMetrics for the list.
func NewMetrics(opts ...MetricsOption) *Metrics {
	return websocket.NewMetrics(opts...)
}

// JSON returns the text serializer.
func JSON() webmesh.Serializer {
	return protocol.JSON{}
}

// Binary returns the compressed msgpack serializer, the default.
func Binary() webmesh.Serializer {
	return protocol.Binary{}
}

// Hex returns the Binary serializer carried as hex text.
func Hex() webmesh.Serializer {
	return protocol.Hex{}
}

// SimpleDict returns the default envelope protocol.
func SimpleDict() webmesh.Protocol {
	return protocol.SimpleDict{}
}

// NullReply returns the envelope protocol whose responses carry a null target.
func NullReply() webmesh.Protocol {
	return protocol.NullReply{}
}
