package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the docgen server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Broker   BrokerConfig
	Worker   WorkerConfig
	Storage  StorageConfig
	Catalog  CatalogConfig
	Pricing  PricingConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// BrokerConfig controls the Redis connection and its degraded-mode behavior.
type BrokerConfig struct {
	URL            string
	Enabled        bool
	MaxAttempts    int
	RetryInterval  time.Duration
	MaxRetryDelay  time.Duration
	CommandTimeout time.Duration
}

// WorkerConfig bounds pipeline concurrency and downstream load.
type WorkerConfig struct {
	Concurrency     int
	MaxStartsPerMin int
	MaxJobAttempts  int
	BackoffBase     time.Duration
	StallTimeout    time.Duration
	JanitorInterval time.Duration
}

type StorageConfig struct {
	BaseURL string
	Bucket  string
	Timeout time.Duration
}

type CatalogConfig struct {
	BaseURL string
	Timeout time.Duration
}

// PricingConfig is the per-unit price in cents for each billable artifact.
type PricingConfig struct {
	UnitCents int64
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("DOCGEN_PORT", 8080),
			Env:  envString("DOCGEN_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Broker: BrokerConfig{
			URL:            os.Getenv("REDIS_URL"),
			Enabled:        envBool("BROKER_ENABLED", true),
			MaxAttempts:    envInt("BROKER_MAX_ATTEMPTS", 5),
			RetryInterval:  envDuration("BROKER_RETRY_INTERVAL", 500*time.Millisecond),
			MaxRetryDelay:  envDuration("BROKER_MAX_RETRY_DELAY", 5*time.Second),
			CommandTimeout: envDuration("BROKER_COMMAND_TIMEOUT", 3*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:     envInt("WORKER_CONCURRENCY", 2),
			MaxStartsPerMin: envInt("WORKER_MAX_STARTS_PER_MIN", 20),
			MaxJobAttempts:  envInt("WORKER_MAX_JOB_ATTEMPTS", 3),
			BackoffBase:     envDuration("WORKER_BACKOFF_BASE", 2*time.Second),
			StallTimeout:    envDuration("WORKER_STALL_TIMEOUT", 5*time.Minute),
			JanitorInterval: envDuration("WORKER_JANITOR_INTERVAL", 30*time.Second),
		},
		Storage: StorageConfig{
			BaseURL: os.Getenv("STORAGE_BASE_URL"),
			Bucket:  envString("STORAGE_BUCKET", "documents"),
			Timeout: envDuration("STORAGE_TIMEOUT", 60*time.Second),
		},
		Catalog: CatalogConfig{
			BaseURL: os.Getenv("CATALOG_BASE_URL"),
			Timeout: envDuration("CATALOG_TIMEOUT", 10*time.Second),
		},
		Pricing: PricingConfig{
			UnitCents: envInt64("PRICING_UNIT_CENTS", 4990),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Broker.Enabled && c.Broker.URL == "" {
		return fmt.Errorf("REDIS_URL is required when BROKER_ENABLED is true")
	}

	if c.Storage.BaseURL == "" {
		return fmt.Errorf("STORAGE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Storage.BaseURL, "http://") && !strings.HasPrefix(c.Storage.BaseURL, "https://") {
		return fmt.Errorf("STORAGE_BASE_URL must start with http:// or https://, got %q", c.Storage.BaseURL)
	}

	if c.Catalog.BaseURL != "" &&
		!strings.HasPrefix(c.Catalog.BaseURL, "http://") && !strings.HasPrefix(c.Catalog.BaseURL, "https://") {
		return fmt.Errorf("CATALOG_BASE_URL must start with http:// or https://, got %q", c.Catalog.BaseURL)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxJobAttempts < 1 {
		return fmt.Errorf("WORKER_MAX_JOB_ATTEMPTS must be at least 1, got %d", c.Worker.MaxJobAttempts)
	}

	if c.Pricing.UnitCents < 0 {
		return fmt.Errorf("PRICING_UNIT_CENTS must not be negative, got %d", c.Pricing.UnitCents)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
