// Package frame implements a sans-IO WebSocket frame state machine.
//
// A Machine never touches a socket: raw bytes read from the network are handed to Feed,
// and Next turns them into typed events once a whole frame is buffered. Outbound frames
// are compiled to bytes that the caller writes itself. Header parsing, masking and frame
// compilation are delegated to github.com/gobwas/ws.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gobwas/ws"
)

// DefaultMaxFrameSize bounds a single inbound frame payload.
const DefaultMaxFrameSize = 10 * 1024 * 1024 // 10MB

// maxControlPayload is the RFC 6455 limit for control frame payloads.
const maxControlPayload = 125

// ErrProtocol reports inbound bytes that violate the WebSocket framing rules.
var ErrProtocol = errors.New("frame: protocol violation")

// Role selects masking rules: clients mask outbound frames, servers require masked inbound frames.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// EventKind identifies what a decoded frame means to the connection owner.
type EventKind uint8

const (
	EventPing EventKind = iota + 1
	EventPong
	EventClose
	EventText
	EventBinary
	EventUnsupported
)

func (k EventKind) String() string {
	switch k {
	case EventPing:
		return "ping"
	case EventPong:
		return "pong"
	case EventClose:
		return "close"
	case EventText:
		return "text"
	case EventBinary:
		return "binary"
	case EventUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Event is one decoded frame.
//
// Text and binary events carry one chunk of a message; Final marks the chunk that completes it.
// Close events carry the peer's close code and reason.
type Event struct {
	Kind   EventKind
	Data   []byte
	Final  bool
	Code   ws.StatusCode
	Reason string
}

// Machine is the per-connection frame state machine.
//
// Feed and Next must be called from a single goroutine. The outbound methods keep no state
// and may be called concurrently.
type Machine struct {
	role    Role
	maxSize int64
	buf     []byte
	// opcode of the fragmented message in progress, OpContinuation when none
	message ws.OpCode
}

// NewMachine returns a machine for the given side of the connection.
func NewMachine(role Role) *Machine {
	return &Machine{
		role:    role,
		maxSize: DefaultMaxFrameSize,
		message: ws.OpContinuation,
	}
}

// Role reports which side of the connection the machine speaks for.
func (m *Machine) Role() Role {
	return m.role
}

// SetMaxFrameSize changes the inbound frame payload limit.
func (m *Machine) SetMaxFrameSize(n int64) {
	if n > 0 {
		m.maxSize = n
	}
}

// Feed appends raw bytes received from the peer.
func (m *Machine) Feed(p []byte) {
	m.buf = append(m.buf, p...)
}

// Buffered returns the number of fed bytes not yet consumed by Next.
func (m *Machine) Buffered() int {
	return len(m.buf)
}

// Next decodes the next complete frame. It returns ok=false when more bytes are needed.
func (m *Machine) Next() (ev Event, ok bool, err error) {
	if len(m.buf) == 0 {
		return Event{}, false, nil
	}

	r := bytes.NewReader(m.buf)
	h, err := ws.ReadHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := m.check(h); err != nil {
		return Event{}, false, err
	}

	headerLen := int64(len(m.buf) - r.Len())
	total := headerLen + h.Length
	if int64(len(m.buf)) < total {
		return Event{}, false, nil
	}

	payload := make([]byte, h.Length)
	copy(payload, m.buf[headerLen:total])
	n := copy(m.buf, m.buf[total:])
	m.buf = m.buf[:n]

	if h.Masked {
		ws.Cipher(payload, h.Mask, 0)
	}
	return m.event(h, payload)
}

func (m *Machine) check(h ws.Header) error {
	if h.Rsv != 0 {
		return fmt.Errorf("%w: reserved bits set without extension", ErrProtocol)
	}
	if m.role == RoleServer && !h.Masked {
		return fmt.Errorf("%w: unmasked client frame", ErrProtocol)
	}
	if m.role == RoleClient && h.Masked {
		return fmt.Errorf("%w: masked server frame", ErrProtocol)
	}
	if h.Length < 0 || h.Length > m.maxSize {
		return fmt.Errorf("%w: frame payload %d exceeds maximum %d bytes", ErrProtocol, h.Length, m.maxSize)
	}
	if h.OpCode.IsControl() {
		if !h.Fin {
			return fmt.Errorf("%w: fragmented control frame", ErrProtocol)
		}
		if h.Length > maxControlPayload {
			return fmt.Errorf("%w: control frame payload %d too large", ErrProtocol, h.Length)
		}
	}
	return nil
}

func (m *Machine) event(h ws.Header, payload []byte) (Event, bool, error) {
	switch h.OpCode {
	case ws.OpPing:
		return Event{Kind: EventPing, Data: payload, Final: true}, true, nil

	case ws.OpPong:
		return Event{Kind: EventPong, Data: payload, Final: true}, true, nil

	case ws.OpClose:
		ev := Event{Kind: EventClose, Final: true, Code: ws.StatusNoStatusRcvd}
		if len(payload) >= 2 {
			ev.Code, ev.Reason = ws.ParseCloseFrameData(payload)
		}
		return ev, true, nil

	case ws.OpText, ws.OpBinary:
		if m.message != ws.OpContinuation {
			return Event{}, false, fmt.Errorf("%w: new message before previous one finished", ErrProtocol)
		}
		if !h.Fin {
			m.message = h.OpCode
		}
		return Event{Kind: dataKind(h.OpCode), Data: payload, Final: h.Fin}, true, nil

	case ws.OpContinuation:
		if m.message == ws.OpContinuation {
			return Event{}, false, fmt.Errorf("%w: continuation without a message", ErrProtocol)
		}
		kind := dataKind(m.message)
		if h.Fin {
			m.message = ws.OpContinuation
		}
		return Event{Kind: kind, Data: payload, Final: h.Fin}, true, nil

	default:
		return Event{Kind: EventUnsupported, Data: payload, Final: true}, true, nil
	}
}

func dataKind(op ws.OpCode) EventKind {
	if op == ws.OpText {
		return EventText
	}
	return EventBinary
}

// Text compiles a final text frame.
func (m *Machine) Text(p []byte) ([]byte, error) {
	return m.compile(ws.NewFrame(ws.OpText, true, p))
}

// Binary compiles a final binary frame.
func (m *Machine) Binary(p []byte) ([]byte, error) {
	return m.compile(ws.NewFrame(ws.OpBinary, true, p))
}

// Ping compiles a ping frame.
func (m *Machine) Ping(p []byte) ([]byte, error) {
	return m.compile(ws.NewFrame(ws.OpPing, true, p))
}

// Pong compiles a pong frame answering a ping with payload p.
func (m *Machine) Pong(p []byte) ([]byte, error) {
	return m.compile(ws.NewFrame(ws.OpPong, true, p))
}

// Close compiles a close frame with the given status code and reason.
func (m *Machine) Close(code ws.StatusCode, reason string) ([]byte, error) {
	return m.compile(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

func (m *Machine) compile(f ws.Frame) ([]byte, error) {
	if m.role == RoleClient {
		f = ws.MaskFrame(f)
	}
	return ws.CompileFrame(f)
}
