package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	AppEnv        string `envconfig:"APP_ENV" default:"development"`
	Port          string `envconfig:"PORT" default:"8080"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RedisURL      string `envconfig:"REDIS_URL"`
	StoreDriver   string `envconfig:"STORE_DRIVER" default:"postgres"`
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	NumWorkers      int           `envconfig:"NUM_WORKERS" default:"10"`
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"10s"`
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"100ms"`
	PollBatchSize   int64         `envconfig:"POLL_BATCH_SIZE" default:"10"`

	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5m"`
	RetryJitter      float64       `envconfig:"RETRY_JITTER" default:"0.2"`

	CircuitFailureThreshold int           `envconfig:"CIRCUIT_FAILURE_THRESHOLD" default:"5"`
	CircuitCooldown         time.Duration `envconfig:"CIRCUIT_COOLDOWN" default:"30s"`
	WebhookRateLimit        int           `envconfig:"WEBHOOK_RATE_LIMIT" default:"0"`
	APIRateLimit            int           `envconfig:"API_RATE_LIMIT" default:"120"`

	StatusWindow      time.Duration `envconfig:"STATUS_WINDOW" default:"24h"`
	StatusRecentLimit int           `envconfig:"STATUS_RECENT_LIMIT" default:"10"`

	LedgerRetention time.Duration `envconfig:"LEDGER_RETENTION" default:"720h"`
	PruneSchedule   string        `envconfig:"PRUNE_SCHEDULE" default:"@hourly"`
	RecoverSchedule string        `envconfig:"RECOVER_SCHEDULE" default:"@every 1m"`
	StallThreshold  time.Duration `envconfig:"STALL_THRESHOLD" default:"2m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreDriver)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("NUM_WORKERS must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive and not exceed RETRY_MAX_DELAY")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be within [0, 1]")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// NewLogger returns a slog.Logger honouring LOG_FORMAT and LOG_LEVEL.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
