package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gradeflow server and worker.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Auth     AuthConfig
	LogLevel slog.Level
}

type ServerConfig struct {
	Port           int
	Env            string
	MigrationsDir  string
	RateLimit      int
	IdempotencyTTL time.Duration
	AllowedOrigins []string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// WorkerConfig controls the leasing loop. LeaseDuration is also the upper
// bound on a single handler invocation.
type WorkerConfig struct {
	ID            string
	Concurrency   int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
	MetricsPort   int
}

type AuthConfig struct {
	// BootstrapKeyHash is a bcrypt hash accepted as an admin key so the
	// first service key can be created.
	BootstrapKeyHash string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("GRADEFLOW_PORT", 8080),
			Env:            envString("GRADEFLOW_ENV", "development"),
			MigrationsDir:  envString("MIGRATIONS_DIR", "migrations"),
			RateLimit:      envInt("RATE_LIMIT_PER_MINUTE", 120),
			IdempotencyTTL: envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			AllowedOrigins: envList("CORS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker: WorkerConfig{
			ID:            envString("WORKER_ID", defaultWorkerID()),
			Concurrency:   envInt("WORKER_CONCURRENCY", 1),
			LeaseDuration: envDurationSecs("LEASE_SECONDS", 30*time.Second),
			PollInterval:  envDuration("POLL_INTERVAL", time.Second),
			RetryBase:     envDuration("RETRY_BASE_DELAY", 5*time.Second),
			RetryMax:      envDuration("RETRY_MAX_DELAY", 60*time.Second),
			MetricsPort:   envInt("WORKER_METRICS_PORT", 9090),
		},
		Auth: AuthConfig{
			BootstrapKeyHash: os.Getenv("BOOTSTRAP_KEY_HASH"),
		},
		LogLevel: parseLogLevel(envString("LOG_LEVEL", "info")),
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

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.LeaseDuration <= 0 {
		return fmt.Errorf("LEASE_SECONDS must be positive")
	}
	if c.Worker.RetryBase <= 0 || c.Worker.RetryMax < c.Worker.RetryBase {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must be >= RETRY_BASE_DELAY (%s) > 0",
			c.Worker.RetryMax, c.Worker.RetryBase)
	}

	if c.IsProduction() && c.Auth.BootstrapKeyHash == "" {
		return fmt.Errorf("BOOTSTRAP_KEY_HASH is required in production")
	}

	return nil
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("worker-%s-%d", host, os.Getpid())
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
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

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
