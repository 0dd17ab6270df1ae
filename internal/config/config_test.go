package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5*time.Second, cfg.Broker.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Broker.CommandTimeout)
	assert.Equal(t, 50*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Approval.DefaultTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Queue.DefaultVisibility)
	assert.Equal(t, time.Hour, cfg.Queue.MaxVisibility)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 90*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.DeviceSessionTTL)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	data := `
server:
  port: "9090"
broker:
  addr: "redis.internal:6379"
queue:
  reaper_interval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	t.Setenv("REDIS_ADDR", "redis.override:6379")
	t.Setenv("JWT_SECRET", "unit-test-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "redis.override:6379", cfg.Broker.Addr) // env wins
	assert.Equal(t, "unit-test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 2*time.Second, cfg.Queue.ReaperInterval)
	// Untouched values keep defaults.
	assert.Equal(t, 56*time.Second, cfg.Server.HeadersTimeout)
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	cfg, err := Load("/nonexistent/gateway.yaml")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}
