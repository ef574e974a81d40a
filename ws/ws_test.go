package ws_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/webmesh"
	"github.com/luciancaetano/webmesh/ws"
)

func TestFacadeEcho(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		serializer webmesh.Serializer
		protocol   webmesh.Protocol
	}{
		{name: "binary", serializer: ws.Binary(), protocol: ws.SimpleDict()},
		{name: "json", serializer: ws.JSON(), protocol: ws.SimpleDict()},
		{name: "hex null reply", serializer: ws.Hex(), protocol: ws.NullReply()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := ws.NewConfig("127.0.0.1", 0)
			cfg.Serializer = tt.serializer
			cfg.Protocol = tt.protocol
			cfg.ReadTimeout = 50 * time.Millisecond
			cfg.CheckOrigin = ws.AllOrigins()

			server := ws.New(cfg)
			server.On("/echo", func(_ context.Context, payload any, _ string, _ webmesh.Conn) (any, error) {
				return payload, nil
			})
			require.NoError(t, server.Start(context.Background()))
			defer server.Stop(context.Background())

			_, portStr, err := net.SplitHostPort(server.Addr())
			require.NoError(t, err)
			port, err := strconv.Atoi(portStr)
			require.NoError(t, err)

			ccfg := ws.NewClientConfig("127.0.0.1", port)
			ccfg.Serializer = tt.serializer
			ccfg.Protocol = tt.protocol
			ccfg.ReadTimeout = 50 * time.Millisecond
			client := ws.NewClient(ccfg)
			client.Start()
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			payload := map[string]any{"blop": int64(56), "tags": []any{"a", "b"}}
			got, err := client.Call(ctx, "/echo", payload)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestFacadeDefaults(t *testing.T) {
	t.Parallel()

	cfg := ws.NewConfig("0.0.0.0", webmesh.DefaultPort)
	assert.Equal(t, ws.DefaultRateLimitConfig(), cfg.RateLimitConfig)
	assert.False(t, ws.NoRateLimit().Enabled)
	assert.True(t, ws.AllOrigins()(nil))

	server := ws.New(nil)
	assert.Empty(t, server.Addr())

	ccfg := ws.NewClientConfig("example.com", 9000)
	assert.Equal(t, "ws://example.com:9000/", ccfg.URL())
}
