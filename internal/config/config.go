// Package config handles application configuration and environment loading.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for limits and timeouts, overridable through the environment.
const (
	DefaultMaxRows      = 100000
	DefaultSyncRowCap   = 1000
	DefaultSyncTimeout  = 30 * time.Second
	DefaultAsyncTimeout = 6 * time.Hour
	DefaultRowLimit     = 100000
	DefaultResultsTTL   = 24 * time.Hour
	DefaultPoolSize     = 8
	DefaultQueueCap     = 256
)

// Config holds the configuration for the SQL execution pipeline.
type Config struct {
	MetaDBPath string // path to the SQLite control-plane file
	ListenAddr string // HTTP listen address (default ":8088")
	LogLevel   string // log level: debug, info, warn, error (default "info")
	Env        string // "development" (default) or "production"

	// Row and time budgets.
	MaxRows      int           // SQL_MAX_ROW hard cap on fetched rows
	DefaultLimit int           // default row limit when the caller sets none
	SyncRowCap   int           // sync path allowed up to this queryLimit
	SyncTimeout  time.Duration // wall-clock budget for inline execution
	AsyncTimeout time.Duration // wall-clock budget for queued execution

	// Results backend.
	RedisAddr  string        // empty selects the in-memory backend
	UseMsgpack bool          // RESULTS_BACKEND_USE_MSGPACK
	ResultsTTL time.Duration // RESULTS_BACKEND_TTL_SECONDS
	ResultsKey string        // RESULTS_KEY_SALT, mixed into blob keys

	// Worker pool.
	PoolSize int // concurrent async executors
	QueueCap int // pending async submissions before Overloaded

	// Warnings collects non-fatal problems found during loading. They are
	// logged by the caller once the logger exists.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables, applying
// defaults for everything unset.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:   os.Getenv("META_DB_PATH"),
		ListenAddr:   os.Getenv("LISTEN_ADDR"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		Env:          os.Getenv("ENV"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		ResultsKey:   os.Getenv("RESULTS_KEY_SALT"),
		MaxRows:      DefaultMaxRows,
		DefaultLimit: DefaultRowLimit,
		SyncRowCap:   DefaultSyncRowCap,
		SyncTimeout:  DefaultSyncTimeout,
		AsyncTimeout: DefaultAsyncTimeout,
		UseMsgpack:   true,
		ResultsTTL:   DefaultResultsTTL,
		PoolSize:     DefaultPoolSize,
		QueueCap:     DefaultQueueCap,
	}

	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "sqllab.sqlite"
		cfg.Warnings = append(cfg.Warnings, "META_DB_PATH not set, using ./sqllab.sqlite")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8088"
	}

	cfg.intFromEnv("SQL_MAX_ROW", &cfg.MaxRows)
	cfg.intFromEnv("DEFAULT_ROW_LIMIT", &cfg.DefaultLimit)
	cfg.intFromEnv("SYNC_ROW_CAP", &cfg.SyncRowCap)
	cfg.intFromEnv("WORKER_POOL_SIZE", &cfg.PoolSize)
	cfg.intFromEnv("QUEUE_MAX_PENDING", &cfg.QueueCap)
	cfg.msFromEnv("SYNC_TIMEOUT_MS", &cfg.SyncTimeout)
	cfg.msFromEnv("ASYNC_TIMEOUT_MS", &cfg.AsyncTimeout)

	if v := os.Getenv("RESULTS_BACKEND_USE_MSGPACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("invalid RESULTS_BACKEND_USE_MSGPACK %q, keeping default", v))
		} else {
			cfg.UseMsgpack = b
		}
	}
	if v := os.Getenv("RESULTS_BACKEND_TTL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("invalid RESULTS_BACKEND_TTL_SECONDS %q, keeping default", v))
		} else {
			cfg.ResultsTTL = time.Duration(n) * time.Second
		}
	}

	if cfg.MaxRows <= 0 {
		return nil, fmt.Errorf("SQL_MAX_ROW must be positive, got %d", cfg.MaxRows)
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", cfg.PoolSize)
	}

	return cfg, nil
}

func (c *Config) intFromEnv(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s %q, keeping default", name, v))
		return
	}
	*dst = n
}

func (c *Config) msFromEnv(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s %q, keeping default", name, v))
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}
