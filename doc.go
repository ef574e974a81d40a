// Package webmesh provides a bidirectional WebSocket messaging mesh: a server that routes
// incoming messages to handlers by path, and an auto-reconnecting client that emits messages
// and performs request/response calls.
//
// # Architecture
//
// Every message is an envelope carrying a target path and a payload. The server looks the
// target up in its route table and runs the handler on a bounded worker pool, so slow
// handlers never block a connection's read loop. A non-nil handler result is packed into a
// response envelope and sent back on the same connection.
//
// The client keeps one connection open, reconnecting with exponential backoff (1s doubling
// up to 16s) when it drops. The wire format carries no correlation id, so a client runs its
// emits and calls one at a time and takes the next message received after a call as its
// response. Use several clients for concurrent requests.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/webmesh"
//	    "github.com/luciancaetano/webmesh/ws"
//	)
//
//	server := ws.New(ws.NewConfig("0.0.0.0", 4269))
//	server.On("/echo", func(ctx context.Context, payload any, target string, conn webmesh.Conn) (any, error) {
//	    return payload, nil
//	})
//	server.Start(ctx)
//
//	client := ws.NewClient(ws.NewClientConfig("127.0.0.1", 4269))
//	client.Start()
//	reply, err := client.Call(ctx, "/echo", map[string]any{"blop": 56})
//
// # Protocol Format
//
// Envelopes are maps:
//
//	{"target": "/echo", "data": <payload>}
//
// Payloads are nil, bool, integers, floats, strings, lists and string-keyed maps, nested
// arbitrarily. Two serializers are provided:
//
//   - Binary (default): msgpack compressed with zlib, sent as binary frames
//   - JSON: sent as text frames, for browsers and debugging
//
// Both ends must agree on the serializer and the envelope protocol.
//
// # Rate Limiting
//
// Each connection has independent rate limiting using token bucket algorithm:
//
//	// Default: 100 messages/second, burst 200
//	cfg := ws.NewConfig("0.0.0.0", 4269)
//
//	// Custom: 50 messages/second, burst 100
//	cfg.RateLimitConfig = &ws.RateLimitConfig{
//	    MessagesPerSecond: 50,
//	    Burst:             100,
//	    Enabled:           true,
//	}
//
//	// Disabled
//	cfg.RateLimitConfig = ws.NoRateLimit()
//
// When rate limit is exceeded, the peer receives close code 1008 (Policy Violation).
//
// # Security Features
//
//   - Rate limiting per connection (prevents DoS)
//   - Maximum message size: 10MB, including decompressed binary payloads (prevents OOM)
//   - Write timeout: 10s (prevents slow peers)
//   - Keepalive pings every 54s, idle peers closed after 60s
//   - Origin validation via CheckOriginFn on HTTP-mounted servers
//
// # Important
//
//   - Messages of one connection are handled in arrival order unless ConcurrentDispatch is set
//   - A handler returning nil sends no response
//   - Handler errors and panics are logged and send no response
//   - Configure CheckOriginFn in production (never use ws.AllOrigins() in production)
package webmesh
