package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
redis:
  addr: localhost:6379
engine:
  outbox_interval: 5s
registry:
  attempts: 7
`), 0o600))

	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("AUTH_PUBLIC_KEY_DATA", "pem-data")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.Engine.OutboxInterval)
	assert.Equal(t, uint(7), cfg.Registry.Attempts)
	assert.Equal(t, []byte("pem-data"), cfg.Auth.PublicKey)

	// Defaults.
	assert.Equal(t, uint64(8000), cfg.Engine.LiquidationThresholdBps)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 10*time.Second, cfg.Engine.WriterLeaseTTL)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLoggerWritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "router.log")
	logger := NewLogger(LoggerConfig{Level: "debug", Format: "console", File: file, MaxSizeMB: 1})
	logger.Info("hello")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
