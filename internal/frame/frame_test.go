package frame

import (
	"testing"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileClient(t *testing.T, f ws.Frame) []byte {
	t.Helper()
	out, err := ws.CompileFrame(ws.MaskFrame(f))
	require.NoError(t, err)
	return out
}

func TestMachineDecodesMaskedTextFrame(t *testing.T) {
	t.Parallel()

	client := NewMachine(RoleClient)
	server := NewMachine(RoleServer)

	data, err := client.Text([]byte("hello"))
	require.NoError(t, err)

	server.Feed(data)
	ev, ok, err := server.Next()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, EventText, ev.Kind)
	assert.Equal(t, []byte("hello"), ev.Data)
	assert.True(t, ev.Final)
	assert.Zero(t, server.Buffered())
}

func TestMachineWaitsForCompleteFrame(t *testing.T) {
	t.Parallel()

	client := NewMachine(RoleClient)
	server := NewMachine(RoleServer)

	data, err := client.Binary([]byte{0x00, 0xFF, 0x01, 0xFE, 0x42})
	require.NoError(t, err)

	// Feed one byte at a time; only the last byte completes the frame.
	for i := 0; i < len(data)-1; i++ {
		server.Feed(data[i : i+1])
		_, ok, err := server.Next()
		require.NoError(t, err)
		require.False(t, ok, "frame reported complete after %d bytes", i+1)
	}

	server.Feed(data[len(data)-1:])
	ev, ok, err := server.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventBinary, ev.Kind)
	assert.Equal(t, []byte{0x00, 0xFF, 0x01, 0xFE, 0x42}, ev.Data)
}

func TestMachineFragmentedMessage(t *testing.T) {
	t.Parallel()

	server := NewMachine(RoleServer)
	server.Feed(compileClient(t, ws.NewFrame(ws.OpText, false, []byte("hel"))))
	server.Feed(compileClient(t, ws.NewFrame(ws.OpPing, true, []byte("p"))))
	server.Feed(compileClient(t, ws.NewFrame(ws.OpContinuation, false, []byte("lo "))))
	server.Feed(compileClient(t, ws.NewFrame(ws.OpContinuation, true, []byte("world"))))

	var got []Event
	for {
		ev, ok, err := server.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, ev)
	}

	require.Len(t, got, 4)
	assert.Equal(t, Event{Kind: EventText, Data: []byte("hel"), Final: false}, got[0])
	assert.Equal(t, EventPing, got[1].Kind, "control frames may interleave with fragments")
	assert.Equal(t, Event{Kind: EventText, Data: []byte("lo "), Final: false}, got[2])
	assert.Equal(t, Event{Kind: EventText, Data: []byte("world"), Final: true}, got[3])
}

func TestMachineCloseFrame(t *testing.T) {
	t.Parallel()

	server := NewMachine(RoleServer)
	client := NewMachine(RoleClient)

	data, err := server.Close(ws.StatusGoingAway, "bye")
	require.NoError(t, err)

	client.Feed(data)
	ev, ok, err := client.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventClose, ev.Kind)
	assert.Equal(t, ws.StatusGoingAway, ev.Code)
	assert.Equal(t, "bye", ev.Reason)
}

func TestMachineEmptyCloseFrame(t *testing.T) {
	t.Parallel()

	server := NewMachine(RoleServer)
	server.Feed(compileClient(t, ws.NewCloseFrame(nil)))

	ev, ok, err := server.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventClose, ev.Kind)
	assert.Equal(t, ws.StatusNoStatusRcvd, ev.Code)
}

func TestMachineReservedOpcodeIsUnsupported(t *testing.T) {
	t.Parallel()

	server := NewMachine(RoleServer)
	server.Feed(compileClient(t, ws.NewFrame(ws.OpCode(0x3), true, []byte("x"))))

	ev, ok, err := server.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventUnsupported, ev.Kind)
}

func TestMachineProtocolViolations(t *testing.T) {
	t.Parallel()

	unmasked, err := ws.CompileFrame(ws.NewTextFrame([]byte("x")))
	require.NoError(t, err)

	tests := []struct {
		name   string
		role   Role
		frames [][]byte
	}{
		{
			name:   "unmasked frame to server",
			role:   RoleServer,
			frames: [][]byte{unmasked},
		},
		{
			name:   "masked frame to client",
			role:   RoleClient,
			frames: [][]byte{compileClient(t, ws.NewTextFrame([]byte("x")))},
		},
		{
			name:   "continuation without message",
			role:   RoleServer,
			frames: [][]byte{compileClient(t, ws.NewFrame(ws.OpContinuation, true, []byte("x")))},
		},
		{
			name:   "fragmented control frame",
			role:   RoleServer,
			frames: [][]byte{compileClient(t, ws.NewFrame(ws.OpPing, false, nil))},
		},
		{
			name: "new message inside fragmented message",
			role: RoleServer,
			frames: [][]byte{
				compileClient(t, ws.NewFrame(ws.OpText, false, []byte("a"))),
				compileClient(t, ws.NewFrame(ws.OpBinary, true, []byte("b"))),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := NewMachine(tt.role)
			var lastErr error
			for _, f := range tt.frames {
				m.Feed(f)
				for {
					_, ok, err := m.Next()
					if err != nil {
						lastErr = err
						break
					}
					if !ok {
						break
					}
				}
			}
			require.ErrorIs(t, lastErr, ErrProtocol)
		})
	}
}

func TestMachineFrameSizeLimit(t *testing.T) {
	t.Parallel()

	server := NewMachine(RoleServer)
	server.SetMaxFrameSize(8)
	server.Feed(compileClient(t, ws.NewBinaryFrame(make([]byte, 9))))

	_, _, err := server.Next()
	require.ErrorIs(t, err, ErrProtocol)
}

func TestClientFramesAreMasked(t *testing.T) {
	t.Parallel()

	client := NewMachine(RoleClient)
	data, err := client.Text([]byte("masked"))
	require.NoError(t, err)

	// Second byte carries the MASK bit.
	assert.NotZero(t, data[1]&0x80)

	server := NewMachine(RoleServer)
	data, err = server.Text([]byte("plain"))
	require.NoError(t, err)
	assert.Zero(t, data[1]&0x80)
}

func BenchmarkMachineNext(b *testing.B) {
	client := NewMachine(RoleClient)
	server := NewMachine(RoleServer)
	data, _ := client.Binary(make([]byte, 512))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		server.Feed(data)
		_, _, _ = server.Next()
	}
}
