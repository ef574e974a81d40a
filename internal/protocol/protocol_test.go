package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/webmesh"
)

// TestPackUnpack tests that every protocol unpacks what it packed
func TestPackUnpack(t *testing.T) {
	t.Parallel()

	protocols := map[string]webmesh.Protocol{
		"simple dict": SimpleDict{},
		"null reply":  NullReply{},
	}

	payloads := []struct {
		name    string
		payload any
	}{
		{name: "nil payload", payload: nil},
		{name: "string payload", payload: "hello"},
		{name: "integer payload", payload: int64(42)},
		{name: "nested payload", payload: map[string]any{"blop": int64(56), "list": []any{true, 1.5, "x"}}},
		{name: "empty map", payload: map[string]any{}},
	}

	for pname, p := range protocols {
		for _, tt := range payloads {
			t.Run(pname+"/"+tt.name, func(t *testing.T) {
				t.Parallel()

				target, payload, err := p.Unpack(p.Pack("/echo", tt.payload))
				require.NoError(t, err)
				assert.Equal(t, "/echo", target)
				assert.Equal(t, tt.payload, payload)
			})
		}
	}
}

// TestPackResponse tests the response envelope shape of each protocol
func TestPackResponse(t *testing.T) {
	t.Parallel()

	simple := SimpleDict{}.PackResponse("/id", "abc").(map[string]any)
	assert.Equal(t, "/id", simple["target"])
	assert.Equal(t, "abc", simple["data"])

	null := NullReply{}.PackResponse("/id", "abc").(map[string]any)
	assert.Contains(t, null, "target")
	assert.Nil(t, null["target"])
	assert.Equal(t, "abc", null["data"])

	target, payload, err := NullReply{}.Unpack(null)
	require.NoError(t, err)
	assert.Equal(t, "", target)
	assert.Equal(t, "abc", payload)
}

// TestUnpack tests unpacking of hand-built envelopes
func TestUnpack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		message     any
		wantTarget  string
		wantPayload any
		wantError   bool
	}{
		{
			name:        "target and data",
			message:     map[string]any{"target": "/a", "data": int64(1)},
			wantTarget:  "/a",
			wantPayload: int64(1),
		},
		{
			name:        "missing data decodes to nil",
			message:     map[string]any{"target": "/a"},
			wantTarget:  "/a",
			wantPayload: nil,
		},
		{
			name:        "extra fields are ignored",
			message:     map[string]any{"target": "/a", "data": "x", "seq": int64(7)},
			wantTarget:  "/a",
			wantPayload: "x",
		},
		{
			name:        "legacy path key",
			message:     map[string]any{"path": "/legacy", "data": "x"},
			wantTarget:  "/legacy",
			wantPayload: "x",
		},
		{
			name:        "null target",
			message:     map[string]any{"target": nil, "data": "x"},
			wantTarget:  "",
			wantPayload: "x",
		},
		{
			name:      "not a map",
			message:   []any{"/a", "x"},
			wantError: true,
		},
		{
			name:      "numeric target",
			message:   map[string]any{"target": int64(3)},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			target, payload, err := SimpleDict{}.Unpack(tt.message)
			if tt.wantError {
				require.ErrorIs(t, err, webmesh.ErrDecode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTarget, target)
			assert.Equal(t, tt.wantPayload, payload)
		})
	}
}
