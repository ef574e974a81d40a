package webmesh

import "errors"

// Error taxonomy. Engine errors wrap one of these so callers can use errors.Is.
var (
	// ErrDecode reports a malformed wire payload or envelope. Only the affected message is dropped.
	ErrDecode = errors.New("webmesh: decode error")

	// ErrRouteNotFound reports a message addressed to an unregistered target.
	ErrRouteNotFound = errors.New("webmesh: route not found")

	// ErrHandler reports a handler that returned an error or panicked.
	ErrHandler = errors.New("webmesh: handler error")

	// ErrConnectionClosed reports a connection that finished its close handshake.
	ErrConnectionClosed = errors.New("webmesh: connection closed")

	// ErrConnectionLost reports a connection that dropped while a call was waiting on it.
	ErrConnectionLost = errors.New("webmesh: connection lost")

	// ErrClientClosed is returned by client operations after Close.
	ErrClientClosed = errors.New("webmesh: client closed")

	// ErrUnsupportedValue reports a payload outside the encodable value set.
	ErrUnsupportedValue = errors.New("webmesh: unsupported value")

	ErrServerAlreadyRunning = errors.New("webmesh: server already running")
	ErrServerNotRunning     = errors.New("webmesh: server not running")
)

// Default payload returned for messages addressed to an unregistered target.
const NotFoundResponse = "Path not found"

// WebSocket close codes used by the engine.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseUnsupportedData = 1003
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Defaults shared by servers and clients.
const (
	DefaultPort           = 4269
	DefaultWorkers        = 5
	DefaultReadBufferSize = 1024
)
