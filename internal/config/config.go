package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/luciancaetano/webmesh"
	"github.com/luciancaetano/webmesh/internal/protocol"
)

// Config holds the settings of the webmesh command. Load fills each field from the
// WEBMESH_* variable of the same name in upper snake case, e.g. BackoffMin from
// WEBMESH_BACKOFF_MIN and HTTPAddr from WEBMESH_HTTP_ADDR.
type Config struct {
	Host    string
	Port    int
	Workers int
	Debug   bool

	// Wire format, both ends must agree
	Serializer string
	Protocol   string

	// HTTP listener serving /ws and /metrics, empty disables it
	HTTPAddr string

	// Client reconnect
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Rate limiting, 0 disables it
	RateLimit int
	RateBurst int
}

// Load reads the optional .env files, then the environment. Variables already set in the
// environment win over .env entries.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	config := &Config{}

	loadEnvString(&config.Host, "WEBMESH_HOST", "0.0.0.0")
	if err := loadEnvInt(&config.Port, "WEBMESH_PORT", webmesh.DefaultPort); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.Workers, "WEBMESH_WORKERS", webmesh.DefaultWorkers); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&config.Debug, "WEBMESH_DEBUG", false); err != nil {
		return nil, err
	}

	loadEnvString(&config.Serializer, "WEBMESH_SERIALIZER", "binary")
	loadEnvString(&config.Protocol, "WEBMESH_PROTOCOL", "simple")
	loadEnvString(&config.HTTPAddr, "WEBMESH_HTTP_ADDR", "")

	if err := loadEnvDuration(&config.BackoffMin, "WEBMESH_BACKOFF_MIN", time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.BackoffMax, "WEBMESH_BACKOFF_MAX", 16*time.Second); err != nil {
		return nil, err
	}

	if err := loadEnvInt(&config.RateLimit, "WEBMESH_RATE_LIMIT", 100); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.RateBurst, "WEBMESH_RATE_BURST", 200); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvString(target *string, key, defaultValue string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %w", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %w", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, "WEBMESH_PORT must be between 0 and 65535")
	}
	if c.Workers < 1 {
		errs = append(errs, "WEBMESH_WORKERS must be at least 1")
	}
	if _, err := c.SerializerImpl(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.ProtocolImpl(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.BackoffMin <= 0 {
		errs = append(errs, "WEBMESH_BACKOFF_MIN must be positive")
	}
	if c.BackoffMax < c.BackoffMin {
		errs = append(errs, "WEBMESH_BACKOFF_MAX must not be below WEBMESH_BACKOFF_MIN")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, "WEBMESH_RATE_LIMIT and WEBMESH_RATE_BURST must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SerializerImpl resolves the configured serializer name.
func (c *Config) SerializerImpl() (webmesh.Serializer, error) {
	return SerializerByName(c.Serializer)
}

// ProtocolImpl resolves the configured envelope protocol name.
func (c *Config) ProtocolImpl() (webmesh.Protocol, error) {
	return ProtocolByName(c.Protocol)
}

// SerializerByName returns the serializer registered as binary, json or hex.
func SerializerByName(name string) (webmesh.Serializer, error) {
	switch strings.ToLower(name) {
	case "binary", "":
		return protocol.Binary{}, nil
	case "json":
		return protocol.JSON{}, nil
	case "hex":
		return protocol.Hex{}, nil
	default:
		return nil, fmt.Errorf("unknown serializer %q (want binary, json or hex)", name)
	}
}

// ProtocolByName returns the envelope protocol registered as simple or nullreply.
func ProtocolByName(name string) (webmesh.Protocol, error) {
	switch strings.ToLower(name) {
	case "simple", "simpledict", "":
		return protocol.SimpleDict{}, nil
	case "nullreply", "null":
		return protocol.NullReply{}, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q (want simple or nullreply)", name)
	}
}

// LogLevel maps Debug onto a slog level.
func (c *Config) LogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
