// Package config loads server configuration from CHANGEFEED_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Storage. An empty DatabaseURL keeps counters and the event log in
	// memory; RedisURL moves counters to Redis.
	DatabaseURL string `env:"CHANGEFEED_DATABASE_URL"`
	RedisURL    string `env:"CHANGEFEED_REDIS_URL"`
	RedisPrefix string `env:"CHANGEFEED_REDIS_PREFIX" envDefault:"changefeed:"`

	HTTPAddr  string `env:"CHANGEFEED_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr  string `env:"CHANGEFEED_GRPC_ADDR" envDefault:":9090"` // empty disables
	NATSURL   string `env:"CHANGEFEED_NATS_URL"`                     // empty = no cross-process fan-out
	NATSRelay bool   `env:"CHANGEFEED_NATS_RELAY"`                   // also consume other instances' events
	AuthToken string `env:"CHANGEFEED_AUTH_TOKEN"`                   // empty = auth disabled

	ServerSecret string        `env:"CHANGEFEED_SERVER_SECRET"`
	SessionKey   string        `env:"CHANGEFEED_SESSION_KEY"` // empty = anonymous connections only
	SessionTTL   time.Duration `env:"CHANGEFEED_SESSION_TTL" envDefault:"12h"`

	Env      string `env:"CHANGEFEED_ENV" envDefault:"development"`
	LogLevel string `env:"CHANGEFEED_LOG_LEVEL" envDefault:"info"`

	CacheSize int           `env:"CHANGEFEED_CACHE_SIZE" envDefault:"10000"`
	CacheTTL  time.Duration `env:"CHANGEFEED_CACHE_TTL" envDefault:"10m"`

	StreamWriteTimeout        time.Duration `env:"CHANGEFEED_STREAM_WRITE_TIMEOUT" envDefault:"5s"`
	StreamKeepalive           time.Duration `env:"CHANGEFEED_STREAM_KEEPALIVE" envDefault:"15s"`
	StreamDispatchConcurrency int           `env:"CHANGEFEED_STREAM_DISPATCH_CONCURRENCY" envDefault:"64"`
	EventLogSize              int           `env:"CHANGEFEED_EVENT_LOG_SIZE" envDefault:"10000"`
	CatchupLimit              int           `env:"CHANGEFEED_CATCHUP_LIMIT" envDefault:"100"`

	// Counter snapshots.
	SyncInterval   time.Duration `env:"CHANGEFEED_SYNC_INTERVAL" envDefault:"3m"` // 0 = disabled
	SyncS3Bucket   string        `env:"CHANGEFEED_SYNC_S3_BUCKET"`                // enables S3 when set
	SyncS3Endpoint string        `env:"CHANGEFEED_SYNC_S3_ENDPOINT"`              // custom endpoint for MinIO
	SyncS3Region   string        `env:"CHANGEFEED_SYNC_S3_REGION" envDefault:"us-east-1"`
	SyncS3Key      string        `env:"CHANGEFEED_SYNC_S3_KEY" envDefault:"changefeed/counters.jsonl"`

	OTelEndpoint string `env:"CHANGEFEED_OTEL_ENDPOINT"`
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	c, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse reads the environment and checks only the storage settings. It
// serves commands that touch the stores but never sign tokens.
func Parse() (*Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if _, err := c.DatabaseDriver(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field rules.
func (c *Config) Validate() error {
	if c.ServerSecret == "" {
		return fmt.Errorf("CHANGEFEED_SERVER_SECRET is required")
	}
	if _, err := c.DatabaseDriver(); err != nil {
		return err
	}
	for name, v := range map[string]int{
		"CHANGEFEED_CACHE_SIZE":                  c.CacheSize,
		"CHANGEFEED_STREAM_DISPATCH_CONCURRENCY": c.StreamDispatchConcurrency,
		"CHANGEFEED_EVENT_LOG_SIZE":              c.EventLogSize,
		"CHANGEFEED_CATCHUP_LIMIT":               c.CatchupLimit,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	for name, d := range map[string]time.Duration{
		"CHANGEFEED_STREAM_WRITE_TIMEOUT": c.StreamWriteTimeout,
		"CHANGEFEED_STREAM_KEEPALIVE":     c.StreamKeepalive,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.SyncInterval < 0 || c.CacheTTL < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Database drivers selected by DatabaseURL.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseDriver returns which store backend DatabaseURL selects.
func (c *Config) DatabaseDriver() (string, error) {
	switch {
	case c.DatabaseURL == "":
		return DriverMemory, nil
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return DriverPostgres, nil
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		return DriverSQLite, nil
	}
	return "", fmt.Errorf("CHANGEFEED_DATABASE_URL: unsupported scheme in %q", c.DatabaseURL)
}

// SQLitePath returns the file path of a sqlite:// DatabaseURL.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("CHANGEFEED_LOG_LEVEL: %w", err)
	}
	return l, nil
}
