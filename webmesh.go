package webmesh

import (
	"context"
	"log/slog"
)

// MessageKind selects the WebSocket data frame used to carry a serialized message.
type MessageKind uint8

const (
	// MessageText carries the message in a text frame.
	MessageText MessageKind = iota + 1
	// MessageBinary carries the message in a binary frame.
	MessageBinary
)

func (k MessageKind) String() string {
	switch k {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// HandlerFunc handles one message addressed to a registered route.
//
// The payload is the decoded envelope data, target is the route path the message was
// addressed to and conn is the connection it arrived on. A non-nil return value is sent
// back to the peer as the response; returning nil sends nothing. A returned error is
// logged and treated as "no response".
//
// Handlers run on the server worker pool. Messages of one connection are handled in
// arrival order unless the server enables concurrent dispatch, in which case they may
// overlap. Use Conn.Update for per-connection state shared between handlers.
type HandlerFunc func(ctx context.Context, payload any, target string, conn Conn) (any, error)

// Protocol defines the envelope shape wrapped around every message.
//
// Pack and PackResponse produce a structured value ready for a Serializer; Unpack reverses
// either of them. Implementations must ignore unknown fields and decode a missing payload
// as nil.
type Protocol interface {
	// Pack builds the envelope for a request addressed to target.
	Pack(target string, payload any) any

	// PackResponse builds the envelope for a response to a request addressed to target.
	// Whether the target is echoed back is up to the implementation.
	PackResponse(target string, payload any) any

	// Unpack extracts the target and payload from a deserialized envelope.
	// A malformed envelope returns an error wrapping ErrDecode.
	Unpack(message any) (target string, payload any, err error)
}

// Serializer converts envelopes to and from their wire representation.
type Serializer interface {
	// Serialize encodes a structured value.
	Serialize(v any) ([]byte, error)

	// Deserialize decodes wire data. Malformed input returns an error wrapping ErrDecode.
	Deserialize(data []byte) (any, error)

	// Kind reports which frame type carries the serialized bytes.
	Kind() MessageKind
}

// Server defines a mesh server that routes path-addressed messages to handlers.
//
// Example usage:
//
//	import "github.com/luciancaetano/webmesh/ws"
//
//	server := ws.New(ws.NewConfig("0.0.0.0", 4269))
//
//	server.On("/echo", func(ctx context.Context, payload any, target string, conn webmesh.Conn) (any, error) {
//	    return payload, nil
//	})
//
//	server.Start(ctx)
type Server interface {
	// On registers handler under path. Registering the same path twice keeps the last handler.
	On(path string, handler HandlerFunc)

	// Start binds the listening socket and begins accepting connections in the background.
	//
	// Returns an error if the server is already running or if the address cannot be bound.
	// Once Start returns nil the server is accepting connections.
	Start(ctx context.Context) error

	// Stop closes the listener and every connection, then waits for in-flight handlers
	// until ctx expires.
	Stop(ctx context.Context) error

	// Addr returns the bound listening address, or "" when the server is not running.
	Addr() string
}

// Client defines a mesh client holding one auto-reconnecting connection to a server.
//
// All outbound operations of a client run one at a time: the wire format carries no
// correlation id, so the next message received after a call is taken as its response.
// Open several clients for concurrent requests.
//
// Example usage:
//
//	client := ws.NewClient(ws.NewClientConfig("127.0.0.1", 4269))
//	client.Start()
//	defer client.Close()
//
//	reply, err := client.Call(ctx, "/echo", map[string]any{"hello": "world"})
type Client interface {
	// Start launches the background connect loop. Connection failures are retried
	// with exponential backoff until Close is called.
	Start()

	// AwaitStarted blocks until the client holds an open connection or ctx is done.
	AwaitStarted(ctx context.Context) error

	// Emit sends a message without waiting for a response.
	Emit(ctx context.Context, target string, payload any) error

	// Call sends a message and blocks until its response arrives.
	Call(ctx context.Context, target string, payload any) (any, error)

	// CallAsync queues a call and returns immediately. The callback runs on the client's
	// worker goroutine once the response arrives or the call fails; callbacks run in
	// submission order.
	//
	// The callback must not call Emit, Call or CallAsync on the same client: they queue
	// behind the running callback and deadlock. Hand follow-up requests to another goroutine.
	CallAsync(target string, payload any, callback func(result any, err error)) error

	// Close stops reconnecting, closes the connection and fails queued calls.
	Close() error
}

// Conn represents one connection as seen by route handlers.
//
// Each connection has a unique identifier and arbitrary attachable state. The connection's
// context is cancelled when it closes.
type Conn interface {
	// ID returns the unique identifier assigned when the connection was accepted.
	ID() string

	// RemoteAddr returns the peer's network address, typically "IP:port".
	RemoteAddr() string

	// Logger returns the connection's logger, carrying its id as context.
	Logger() *slog.Logger

	// Context returns the connection's lifecycle context.
	Context() context.Context

	// Set attaches a value to the connection under key.
	Set(key string, value any)

	// Get returns the value attached under key.
	Get(key string) (any, bool)

	// Update atomically replaces the value under key with fn(old) and returns the new value.
	// old is nil when nothing is attached yet.
	//
	// Example:
	//
	//	conn.Update("count", func(old any) any {
	//	    n, _ := old.(int)
	//	    return n + 1
	//	})
	Update(key string, fn func(old any) any) any

	// IsAlive reports whether the connection is still open.
	IsAlive() bool

	// Close starts the close handshake with the given WebSocket close code.
	Close(code int, reason string) error
}
