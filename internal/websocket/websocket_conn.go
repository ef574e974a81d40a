package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/webmesh"
	"github.com/luciancaetano/webmesh/internal/frame"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	writeTimeout = 10 * time.Second
	// close status sent when a reassembled message outgrows the frame limit
	closeMessageTooBig = 1009
)

// Message is one complete, reassembled WebSocket message.
type Message struct {
	Kind webmesh.MessageKind
	Data []byte
}

// DialOptions configures DialConn.
type DialOptions struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	Logger           *slog.Logger
}

// Conn is one WebSocket connection over a raw net.Conn.
//
// Receive must only be called from the connection's read loop. Send, Ping, Close and
// Shutdown are safe for concurrent use.
type Conn struct {
	id         string
	remoteAddr string
	netConn    net.Conn
	machine    *frame.Machine
	state      atomic.Int32
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// read side, owned by the read loop
	readBuf []byte
	text    bytes.Buffer
	binary  bytes.Buffer

	writeMu sync.Mutex

	valuesMu sync.Mutex
	values   map[string]any

	rateLimiter *rate.Limiter

	lastActivity atomic.Int64 // unix nanoseconds
	closingSince atomic.Int64 // unix nanoseconds, 0 while open
	peerClosed   atomic.Bool

	// lane serializes dispatch of this connection's messages, see Server.enqueue
	laneMu   sync.Mutex
	lane     []Message
	laneBusy bool
}

var _ webmesh.Conn = (*Conn)(nil)

func newConn(netConn net.Conn, role frame.Role, readBufferSize int, logger *slog.Logger) *Conn {
	if readBufferSize <= 0 {
		readBufferSize = webmesh.DefaultReadBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	c := &Conn{
		id:      id,
		netConn: netConn,
		machine: frame.NewMachine(role),
		logger:  logger.With("conn_id", id),
		ctx:     ctx,
		cancel:  cancel,
		readBuf: make([]byte, readBufferSize),
		values:  make(map[string]any),
	}
	if addr := netConn.RemoteAddr(); addr != nil {
		c.remoteAddr = addr.String()
	}
	c.touch()
	return c
}

// newOpenConn wraps a socket whose handshake was already completed elsewhere.
func newOpenConn(netConn net.Conn, role frame.Role, readBufferSize int, logger *slog.Logger) *Conn {
	c := newConn(netConn, role, readBufferSize, logger)
	c.state.Store(int32(StateOpen))
	return c
}

// ServerHandshake answers the client's upgrade request on the raw socket.
func (c *Conn) ServerHandshake(timeout time.Duration) error {
	if timeout > 0 {
		c.netConn.SetDeadline(time.Now().Add(timeout))
		defer c.netConn.SetDeadline(time.Time{})
	}

	if _, err := (ws.Upgrader{}).Upgrade(c.netConn); err != nil {
		c.Shutdown()
		return fmt.Errorf("websocket handshake: %w", err)
	}
	c.state.Store(int32(StateOpen))
	return nil
}

// DialConn connects to url and performs the client handshake.
func DialConn(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	dialer := ws.Dialer{Timeout: opts.HandshakeTimeout}

	netConn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := newOpenConn(netConn, frame.RoleClient, opts.ReadBufferSize, opts.Logger)
	if br != nil {
		// the server may have pipelined frames right behind its handshake response
		if n := br.Buffered(); n > 0 {
			pending := make([]byte, n)
			if _, err := io.ReadFull(br, pending); err == nil {
				c.machine.Feed(pending)
			}
		}
		ws.PutReader(br)
	}
	return c, nil
}

// ID returns a unique identifier for the connection
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer's remote network address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Logger returns the connection's logger
func (c *Conn) Logger() *slog.Logger {
	return c.logger
}

// Context returns the connection's lifecycle context
func (c *Conn) Context() context.Context {
	return c.ctx
}

// State returns the current lifecycle state
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsAlive returns true if the connection is open
func (c *Conn) IsAlive() bool {
	return c.State() == StateOpen
}

// Set attaches value under key
func (c *Conn) Set(key string, value any) {
	c.valuesMu.Lock()
	defer c.valuesMu.Unlock()
	c.values[key] = value
}

// Get returns the value attached under key
func (c *Conn) Get(key string) (any, bool) {
	c.valuesMu.Lock()
	defer c.valuesMu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Update replaces the value under key with fn(old) while holding the value lock
func (c *Conn) Update(key string, fn func(old any) any) any {
	c.valuesMu.Lock()
	defer c.valuesMu.Unlock()
	v := fn(c.values[key])
	c.values[key] = v
	return v
}

// CheckRateLimit checks if the peer has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Conn) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// LastActivity returns the time bytes were last received from the peer.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ClosingFor reports how long the connection has waited for the peer's close acknowledgement.
func (c *Conn) ClosingFor() time.Duration {
	since := c.closingSince.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

// PeerClosed reports whether the peer started the close handshake.
func (c *Conn) PeerClosed() bool {
	return c.peerClosed.Load()
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send writes one message frame. Sending on a closing or closed connection is a no-op.
func (c *Conn) Send(kind webmesh.MessageKind, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != StateOpen {
		return nil
	}

	var (
		out []byte
		err error
	)
	if kind == webmesh.MessageText {
		out, err = c.machine.Text(data)
	} else {
		out, err = c.machine.Binary(data)
	}
	if err != nil {
		return err
	}
	return c.writeLocked(out)
}

// Ping sends a keepalive ping.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != StateOpen {
		return nil
	}
	out, err := c.machine.Ping(nil)
	if err != nil {
		return err
	}
	return c.writeLocked(out)
}

// Close starts the close handshake. The connection stays readable until the peer
// acknowledges or Shutdown is called.
func (c *Conn) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateHandshaking {
		return c.Shutdown()
	}
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	c.closingSince.Store(time.Now().UnixNano())

	out, err := c.machine.Close(ws.StatusCode(code), reason)
	if err != nil {
		return err
	}
	return c.writeLocked(out)
}

// Shutdown closes the socket without a handshake.
func (c *Conn) Shutdown() error {
	if State(c.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	c.cancel()
	return c.netConn.Close()
}

func (c *Conn) writeLocked(p []byte) error {
	c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.netConn.Write(p); err != nil {
		c.Shutdown()
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// writeControl writes a control frame unless the socket is already gone.
func (c *Conn) writeControl(build func() ([]byte, error)) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateClosed {
		return
	}
	out, err := build()
	if err != nil {
		return
	}
	if err := c.writeLocked(out); err != nil {
		c.logger.Debug("control frame write failed", "error", err)
	}
}

// Receive waits up to timeout for the next complete message.
//
// It returns (msg, true, nil) for a message and (_, false, nil) when the timeout passed with
// the connection still usable. Any error means the connection is closed; a completed close
// handshake matches webmesh.ErrConnectionClosed.
func (c *Conn) Receive(timeout time.Duration) (Message, bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		if msg, ok, err := c.drain(); ok || err != nil {
			return msg, ok, err
		}
		if c.State() == StateClosed {
			return Message{}, false, webmesh.ErrConnectionClosed
		}

		if err := c.netConn.SetReadDeadline(deadline); err != nil {
			return Message{}, false, c.readFailed(err)
		}

		n, err := c.netConn.Read(c.readBuf)
		if n > 0 {
			c.touch()
			c.machine.Feed(c.readBuf[:n])
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if msg, ok, derr := c.drain(); ok || derr != nil {
				return msg, ok, derr
			}
			return Message{}, false, nil
		}
		if n > 0 {
			// process what arrived with the error; the next read reports it again
			if msg, ok, derr := c.drain(); ok || derr != nil {
				return msg, ok, derr
			}
		}
		return Message{}, false, c.readFailed(err)
	}
}

func (c *Conn) readFailed(err error) error {
	state := State(c.state.Load())
	c.Shutdown()
	if state == StateClosed || state == StateClosing {
		// we shut the socket or were already waiting for the peer to go away
		return fmt.Errorf("%w: %v", webmesh.ErrConnectionClosed, err)
	}
	return fmt.Errorf("websocket read: %w", err)
}

// drain processes buffered frames until a message completes or more bytes are needed.
func (c *Conn) drain() (Message, bool, error) {
	for {
		ev, ok, err := c.machine.Next()
		if err != nil {
			c.fail(ws.StatusProtocolError, err)
			return Message{}, false, err
		}
		if !ok {
			return Message{}, false, nil
		}

		switch ev.Kind {
		case frame.EventPing:
			c.writeControl(func() ([]byte, error) { return c.machine.Pong(ev.Data) })

		case frame.EventPong:

		case frame.EventClose:
			if c.State() == StateOpen {
				c.peerClosed.Store(true)
				code := ev.Code
				if code == ws.StatusNoStatusRcvd {
					code = ws.StatusNormalClosure
				}
				c.writeControl(func() ([]byte, error) { return c.machine.Close(code, "") })
			}
			c.Shutdown()
			return Message{}, false, fmt.Errorf("%w: status %d %s", webmesh.ErrConnectionClosed, ev.Code, ev.Reason)

		case frame.EventText:
			if msg, done, err := c.assemble(&c.text, ev, webmesh.MessageText); done || err != nil {
				return msg, done, err
			}

		case frame.EventBinary:
			if msg, done, err := c.assemble(&c.binary, ev, webmesh.MessageBinary); done || err != nil {
				return msg, done, err
			}

		case frame.EventUnsupported:
			c.logger.Warn("unsupported frame, closing connection")
			c.Close(webmesh.CloseUnsupportedData, "unsupported frame")
		}
	}
}

func (c *Conn) assemble(buf *bytes.Buffer, ev frame.Event, kind webmesh.MessageKind) (Message, bool, error) {
	buf.Write(ev.Data)
	if buf.Len() > frame.DefaultMaxFrameSize {
		err := fmt.Errorf("%w: message exceeds %d bytes", frame.ErrProtocol, frame.DefaultMaxFrameSize)
		c.fail(closeMessageTooBig, err)
		return Message{}, false, err
	}
	if !ev.Final {
		return Message{}, false, nil
	}

	data := bytes.Clone(buf.Bytes())
	buf.Reset()
	return Message{Kind: kind, Data: data}, true, nil
}

// fail sends a best-effort close frame and drops the connection.
func (c *Conn) fail(code ws.StatusCode, err error) {
	c.logger.Warn("closing connection", "code", int(code), "error", err)
	c.writeControl(func() ([]byte, error) { return c.machine.Close(code, "") })
	c.Shutdown()
}
