package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/luciancaetano/webmesh"
	"github.com/luciancaetano/webmesh/internal/protocol"
)

// ClientState is the connection state of a Client.
type ClientState int32

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientConnected
	ClientBackoff
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientBackoff:
		return "backoff"
	case ClientClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client defaults.
const (
	DefaultClientHost = "127.0.0.1"
	DefaultBackoffMin = time.Second
	DefaultBackoffMax = 16 * time.Second

	// unsolicited messages buffered per connection before newer ones are dropped
	inboxSize = 64
)

// ClientConfig configures a Client. Zero values select the defaults.
type ClientConfig struct {
	Host  string
	Port  int
	Path  string
	Debug bool

	Serializer webmesh.Serializer
	Protocol   webmesh.Protocol

	BackoffMin       time.Duration
	BackoffMax       time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	// QueueSize bounds the operations waiting for the client's worker.
	QueueSize int

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Host == "" {
		c.Host = DefaultClientHost
	}
	if c.Port == 0 {
		c.Port = webmesh.DefaultPort
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Serializer == nil {
		c.Serializer = protocol.Binary{}
	}
	if c.Protocol == nil {
		c.Protocol = protocol.SimpleDict{}
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = max(DefaultBackoffMax, c.BackoffMin)
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
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = newLogger(c.Debug)
	}
	return c
}

// URL returns the WebSocket URL the client connects to.
func (c ClientConfig) URL() string {
	path := c.Path
	if path == "" {
		path = "/"
	}
	return "ws://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + path
}

// session is one live connection of the client.
type session struct {
	conn  *Conn
	inbox chan Message
	// closed when the connection is gone
	done chan struct{}
}

// discardStale drops messages that arrived before the next request was sent.
func (s *session) discardStale() int {
	n := 0
	for {
		select {
		case <-s.inbox:
			n++
		default:
			return n
		}
	}
}

// Client implements the webmesh.Client interface
type Client struct {
	cfg     ClientConfig
	url     string
	logger  *slog.Logger
	metrics *Metrics
	state   atomic.Int32

	// single-flight point: every emit and call runs on this one worker
	worker *Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *session
	// closed while current is non-nil, replaced on every disconnect
	ready chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

var _ webmesh.Client = (*Client)(nil)

// NewClient creates a client. Nothing happens on the network until Start.
//
// Example:
//
//	client := NewClient(&ClientConfig{Host: "127.0.0.1", Port: 4269})
//	client.Start()
//	defer client.Close()
func NewClient(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	c := cfg.withDefaults()
	logger := c.Logger.With("component", "client")

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     c,
		url:     c.URL(),
		logger:  logger,
		metrics: c.Metrics,
		worker:  NewPool(1, c.QueueSize, logger),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// URL returns the server URL the client connects to.
func (c *Client) URL() string {
	return c.url
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(s ClientState) {
	c.state.Store(int32(s))
}

// Start launches the connect loop. Calling it again has no effect.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// AwaitStarted blocks until the client is connected.
func (c *Client) AwaitStarted(ctx context.Context) error {
	_, err := c.awaitSession(ctx)
	return err
}

// Emit sends a message without waiting for a response.
func (c *Client) Emit(ctx context.Context, target string, payload any) error {
	_, err := c.submitWait(ctx, func() (any, error) {
		err := c.emit(ctx, target, payload)
		c.metrics.call("emit", err)
		return nil, err
	})
	return err
}

// Call sends a message and returns the payload of the next message received on the same
// connection.
func (c *Client) Call(ctx context.Context, target string, payload any) (any, error) {
	return c.submitWait(ctx, func() (any, error) {
		result, err := c.call(ctx, target, payload)
		c.metrics.call("call", err)
		return result, err
	})
}

// CallAsync queues a call and returns once it is queued. callback receives the result
// on the client's worker goroutine, so it must not call Emit, Call or CallAsync on the
// same client: those wait behind the running callback and deadlock.
func (c *Client) CallAsync(target string, payload any, callback func(result any, err error)) error {
	return c.submit(c.ctx, func() {
		result, err := c.call(c.ctx, target, payload)
		c.metrics.call("call_async", err)
		if callback != nil {
			callback(result, err)
		}
	})
}

// Close stops reconnecting and closes the connection. Queued operations fail with
// webmesh.ErrClientClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		// a client that was never started has no loop to wait for
		c.startOnce.Do(func() { close(c.done) })
		<-c.done

		ctx, cancel := context.WithTimeout(context.Background(), closeGracePeriod)
		defer cancel()
		if err := c.worker.Close(ctx); err != nil {
			c.logger.Warn("worker did not drain", "error", err)
		}
		c.setState(ClientClosed)
		c.logger.Debug("closed")
	})
	return nil
}

func (c *Client) submit(ctx context.Context, task func()) error {
	if c.ctx.Err() != nil {
		return webmesh.ErrClientClosed
	}
	if err := c.worker.Submit(ctx, task); err != nil {
		if errors.Is(err, errPoolClosed) || c.ctx.Err() != nil {
			return webmesh.ErrClientClosed
		}
		return err
	}
	return nil
}

// submitWait runs fn on the worker and waits for its result.
func (c *Client) submitWait(ctx context.Context, fn func() (any, error)) (any, error) {
	type result struct {
		value any
		err   error
	}
	ch := make(chan result, 1)

	err := c.submit(ctx, func() {
		v, err := fn()
		ch <- result{value: v, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		// the queued task sees the same ctx and returns early
		return nil, ctx.Err()
	}
}

func (c *Client) encode(target string, payload any) ([]byte, error) {
	return c.cfg.Serializer.Serialize(c.cfg.Protocol.Pack(target, payload))
}

func (c *Client) emit(ctx context.Context, target string, payload any) error {
	data, err := c.encode(target, payload)
	if err != nil {
		return err
	}
	sess, err := c.awaitSession(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return c.ctxErr(ctx)
	}
	return c.send(sess, data)
}

func (c *Client) call(ctx context.Context, target string, payload any) (any, error) {
	data, err := c.encode(target, payload)
	if err != nil {
		return nil, err
	}
	sess, err := c.awaitSession(ctx)
	if err != nil {
		return nil, err
	}

	if n := sess.discardStale(); n > 0 {
		c.logger.Debug("discarded unsolicited messages", "count", n)
	}
	// nothing is on the wire yet, so giving up here leaves the session clean
	if ctx.Err() != nil {
		return nil, c.ctxErr(ctx)
	}
	if err := c.send(sess, data); err != nil {
		return nil, err
	}

	select {
	case msg := <-sess.inbox:
		return c.decode(msg)
	case <-sess.done:
		// the response may have landed just before the connection went away
		select {
		case msg := <-sess.inbox:
			return c.decode(msg)
		default:
		}
		return nil, fmt.Errorf("%w: waiting for %s", webmesh.ErrConnectionLost, target)
	case <-ctx.Done():
		select {
		case <-sess.inbox:
		default:
			c.abandon(sess, target)
		}
		return nil, c.ctxErr(ctx)
	case <-c.ctx.Done():
		return nil, webmesh.ErrClientClosed
	}
}

// abandon retires a session whose request was sent but whose response will never be
// collected. Its late response would otherwise be taken as the answer to the next call.
func (c *Client) abandon(sess *session, target string) {
	c.mu.Lock()
	if c.current == sess {
		c.current = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()

	sess.conn.Logger().Debug("call abandoned, reconnecting", "target", target)
	sess.conn.Close(webmesh.CloseNormalClosure, "call abandoned")
}

// ctxErr reports a done ctx, preferring ErrClientClosed when the client itself is closing.
func (c *Client) ctxErr(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return webmesh.ErrClientClosed
	}
	return ctx.Err()
}

func (c *Client) send(sess *session, data []byte) error {
	if !sess.conn.IsAlive() {
		return webmesh.ErrConnectionLost
	}
	if err := sess.conn.Send(c.cfg.Serializer.Kind(), data); err != nil {
		return fmt.Errorf("%w: %w", webmesh.ErrConnectionLost, err)
	}
	return nil
}

func (c *Client) decode(msg Message) (any, error) {
	decoded, err := c.cfg.Serializer.Deserialize(msg.Data)
	if err != nil {
		return nil, err
	}
	_, payload, err := c.cfg.Protocol.Unpack(decoded)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// awaitSession waits for a live connection.
func (c *Client) awaitSession(ctx context.Context) (*session, error) {
	for {
		if ctx.Err() != nil {
			return nil, c.ctxErr(ctx)
		}

		c.mu.Lock()
		sess, ready := c.current, c.ready
		c.mu.Unlock()

		if sess != nil {
			return sess, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, c.ctxErr(ctx)
		case <-c.ctx.Done():
			return nil, webmesh.ErrClientClosed
		}
	}
}

func (c *Client) publish(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = sess
	close(c.ready)
}

func (c *Client) retract(sess *session) {
	c.mu.Lock()
	if c.current == sess {
		c.current = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()

	close(sess.done)
	sess.conn.Shutdown()
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffMin
	b.MaxInterval = c.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run is the reconnect loop: connect, read until the connection fails, back off, retry.
func (c *Client) run() {
	defer close(c.done)

	b := c.newBackoff()
	for {
		if c.ctx.Err() != nil {
			c.setState(ClientClosed)
			return
		}

		c.setState(ClientConnecting)
		connected, err := c.connectAndServe(b)
		if c.ctx.Err() != nil {
			c.setState(ClientClosed)
			return
		}

		delay := b.NextBackOff()
		c.setState(ClientBackoff)
		c.metrics.reconnect()
		if connected {
			c.logger.Info("connection ended, reconnecting", "url", c.url, "delay", delay, "error", err)
		} else {
			c.logger.Error("failed to connect, reattempting", "url", c.url, "delay", delay, "error", err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			c.setState(ClientClosed)
			return
		}
	}
}

// connectAndServe reports whether the handshake succeeded along with the error that ended
// the attempt.
func (c *Client) connectAndServe(b backoff.BackOff) (bool, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	conn, err := DialConn(ctx, c.url, DialOptions{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		ReadBufferSize:   c.cfg.ReadBufferSize,
		Logger:           c.logger,
	})
	cancel()
	if err != nil {
		return false, err
	}
	b.Reset()

	sess := &session{
		conn:  conn,
		inbox: make(chan Message, inboxSize),
		done:  make(chan struct{}),
	}
	c.setState(ClientConnected)
	c.publish(sess)
	defer c.retract(sess)

	conn.Logger().Info("connected", "url", c.url)

	for {
		if c.ctx.Err() != nil {
			c.closeConn(conn)
			return true, nil
		}

		msg, ok, err := conn.Receive(c.cfg.ReadTimeout)
		if err != nil {
			return true, err
		}
		if !ok {
			if conn.State() == StateClosing && conn.ClosingFor() > closeGracePeriod {
				return true, fmt.Errorf("%w: close handshake timed out", webmesh.ErrConnectionClosed)
			}
			continue
		}

		select {
		case sess.inbox <- msg:
		default:
			conn.Logger().Warn("inbox full, dropping message")
		}
	}
}

// closeConn runs the close handshake, waiting at most one read timeout for the acknowledgement.
func (c *Client) closeConn(conn *Conn) {
	conn.Close(webmesh.CloseNormalClosure, "")

	deadline := time.Now().Add(c.cfg.ReadTimeout)
	for time.Now().Before(deadline) {
		if _, _, err := conn.Receive(time.Until(deadline)); err != nil {
			return
		}
	}
}
