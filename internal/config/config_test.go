package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/webmesh/internal/protocol"
)

var envKeys = []string{
	"WEBMESH_HOST", "WEBMESH_PORT", "WEBMESH_WORKERS", "WEBMESH_DEBUG",
	"WEBMESH_SERIALIZER", "WEBMESH_PROTOCOL", "WEBMESH_HTTP_ADDR",
	"WEBMESH_BACKOFF_MIN", "WEBMESH_BACKOFF_MAX", "WEBMESH_RATE_LIMIT", "WEBMESH_RATE_BURST",
}

// clearEnv blanks every WEBMESH_* variable for the test; empty values fall back to defaults.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 4269, cfg.Port)
	assert.Equal(t, 5, cfg.Workers)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "binary", cfg.Serializer)
	assert.Equal(t, "simple", cfg.Protocol)
	assert.Empty(t, cfg.HTTPAddr)
	assert.Equal(t, time.Second, cfg.BackoffMin)
	assert.Equal(t, 16*time.Second, cfg.BackoffMax)
	assert.Equal(t, 100, cfg.RateLimit)
	assert.Equal(t, 200, cfg.RateBurst)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBMESH_HOST", "127.0.0.1")
	t.Setenv("WEBMESH_PORT", "9000")
	t.Setenv("WEBMESH_WORKERS", "12")
	t.Setenv("WEBMESH_DEBUG", "true")
	t.Setenv("WEBMESH_SERIALIZER", "json")
	t.Setenv("WEBMESH_PROTOCOL", "nullreply")
	t.Setenv("WEBMESH_HTTP_ADDR", ":8080")
	t.Setenv("WEBMESH_BACKOFF_MIN", "250ms")
	t.Setenv("WEBMESH_BACKOFF_MAX", "4s")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 12, cfg.Workers)
	assert.True(t, cfg.Debug)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffMin)
	assert.Equal(t, 4*time.Second, cfg.BackoffMax)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())

	s, err := cfg.SerializerImpl()
	require.NoError(t, err)
	assert.Equal(t, protocol.JSON{}, s)

	p, err := cfg.ProtocolImpl()
	require.NoError(t, err)
	assert.Equal(t, protocol.NullReply{}, p)
}

func TestLoadDotEnvFile(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("WEBMESH_PORT")
	os.Unsetenv("WEBMESH_SERIALIZER")
	t.Setenv("WEBMESH_WORKERS", "3")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WEBMESH_PORT=7000\nWEBMESH_SERIALIZER=hex\nWEBMESH_WORKERS=9\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("WEBMESH_PORT")
		os.Unsetenv("WEBMESH_SERIALIZER")
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "hex", cfg.Serializer)
	// set in the environment before loading
	assert.Equal(t, 3, cfg.Workers)
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"WEBMESH_PORT", "http"},
		{"WEBMESH_WORKERS", "many"},
		{"WEBMESH_DEBUG", "maybe"},
		{"WEBMESH_BACKOFF_MIN", "soon"},
		{"WEBMESH_BACKOFF_MAX", "10"},
		{"WEBMESH_RATE_LIMIT", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Host: "0.0.0.0", Port: 4269, Workers: 5,
			Serializer: "binary", Protocol: "simple",
			BackoffMin: time.Second, BackoffMax: 16 * time.Second,
			RateLimit: 100, RateBurst: 200,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "free port", mutate: func(c *Config) { c.Port = 0 }},
		{name: "port too large", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "WEBMESH_PORT"},
		{name: "no workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: "WEBMESH_WORKERS"},
		{name: "bad serializer", mutate: func(c *Config) { c.Serializer = "xml" }, wantErr: "unknown serializer"},
		{name: "bad protocol", mutate: func(c *Config) { c.Protocol = "rpc" }, wantErr: "unknown protocol"},
		{name: "zero backoff", mutate: func(c *Config) { c.BackoffMin = 0 }, wantErr: "WEBMESH_BACKOFF_MIN"},
		{name: "inverted backoff", mutate: func(c *Config) { c.BackoffMax = time.Millisecond }, wantErr: "WEBMESH_BACKOFF_MAX"},
		{name: "negative rate", mutate: func(c *Config) { c.RateBurst = -1 }, wantErr: "WEBMESH_RATE_LIMIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestByName(t *testing.T) {
	for name, want := range map[string]any{
		"binary": protocol.Binary{},
		"JSON":   protocol.JSON{},
		"hex":    protocol.Hex{},
		"":       protocol.Binary{},
	} {
		got, err := SerializerByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	for name, want := range map[string]any{
		"simple":     protocol.SimpleDict{},
		"simpledict": protocol.SimpleDict{},
		"nullreply":  protocol.NullReply{},
	} {
		got, err := ProtocolByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}
