package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("META_DB_PATH", "")
	t.Setenv("SQL_MAX_ROW", "")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxRows, cfg.MaxRows)
	assert.Equal(t, DefaultSyncRowCap, cfg.SyncRowCap)
	assert.Equal(t, DefaultSyncTimeout, cfg.SyncTimeout)
	assert.True(t, cfg.UseMsgpack)
	assert.Equal(t, ":8088", cfg.ListenAddr)
	assert.NotEmpty(t, cfg.Warnings) // META_DB_PATH unset
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("META_DB_PATH", "/tmp/meta.sqlite")
	t.Setenv("SQL_MAX_ROW", "5000")
	t.Setenv("SYNC_TIMEOUT_MS", "1500")
	t.Setenv("RESULTS_BACKEND_USE_MSGPACK", "false")
	t.Setenv("RESULTS_BACKEND_TTL_SECONDS", "60")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.MaxRows)
	assert.Equal(t, 1500*time.Millisecond, cfg.SyncTimeout)
	assert.False(t, cfg.UseMsgpack)
	assert.Equal(t, time.Minute, cfg.ResultsTTL)
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnvInvalidValuesWarn(t *testing.T) {
	t.Setenv("META_DB_PATH", "/tmp/meta.sqlite")
	t.Setenv("SQL_MAX_ROW", "not-a-number")
	t.Setenv("RESULTS_BACKEND_TTL_SECONDS", "-3")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxRows, cfg.MaxRows)
	assert.Equal(t, DefaultResultsTTL, cfg.ResultsTTL)
	assert.Len(t, cfg.Warnings, 2)
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		c := &Config{LogLevel: in}
		assert.Equal(t, want, c.SlogLevel(), "level %q", in)
	}
}
