package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FillsDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  env: dev
mongo:
  uri: mongodb://localhost:27017
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, "realtime", cfg.Mongo.Database)
	assert.Equal(t, "HS256", cfg.JWT.Algorithm)
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, 5, cfg.Coordinator.RetryMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.TypingTTL)
}

func TestLoad_ExplicitValuesWin(t *testing.T) {
	path := writeConfig(t, `
app:
  port: 9000
ws:
  heartbeat_timeout_seconds: 45
coordinator:
  retry_max_attempts: 3
  retry_base_millis: 250
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.App.PortString())
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.Coordinator.RetryMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBase)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
