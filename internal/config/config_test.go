package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iiot-gateway/internal/faults"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envConfig, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, StoreRedis, cfg.Buffer.Store)
	assert.Equal(t, 3, cfg.Buffer.MaxRetries)
	assert.Equal(t, 1, cfg.Redis.BufferDB)
	assert.Equal(t, 0, cfg.Redis.CacheDB)
	assert.Equal(t, 300*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 1000, cfg.Alarms.HistoryCeiling)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := []byte(`
buffer:
  store: badger
  badger_dir: /var/lib/gateway/queue
  max_retries: 5
cache:
  enabled: false
store_timeout: 2s
sinks:
  nats:
    enabled: true
    url: nats://localhost:4222
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("GATEWAY_BUFFER_MAX_RETRIES", "7")
	t.Setenv("GATEWAY_HTTP_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StoreBadger, cfg.Buffer.Store)
	assert.Equal(t, "/var/lib/gateway/queue", cfg.Buffer.BadgerDir)
	assert.Equal(t, 7, cfg.Buffer.MaxRetries)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.True(t, cfg.Sinks.NATS.Enabled)
	assert.Equal(t, "telemetry", cfg.Sinks.NATS.Subject)
}

func TestLoadUsesConfigEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("buffer:\n  store: memory\n"), 0o600))
	t.Setenv(envConfig, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Buffer.Store)
}

func TestValidateRejectsMissingDependencies(t *testing.T) {
	t.Setenv(envConfig, "")
	t.Setenv("GATEWAY_BUFFER_STORE", StoreBadger)

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, faults.IsNotConfigured(err))
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	t.Setenv(envConfig, "")
	t.Setenv("GATEWAY_BUFFER_STORE", "sqlite")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, faults.IsValidation(err))
}
