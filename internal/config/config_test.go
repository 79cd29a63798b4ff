// ABOUTME: Tests for YAML config loading, env expansion, and duration parsing
// ABOUTME: Covers defaults, validation failures, and malformed durations

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: /tmp/saga.db
auth:
  token_secret: super-secret
  token_ttl: 12h
session:
  idle_timeout: 90m
  sweep_interval: 5m
connections:
  heartbeat_timeout: 45s
  retention: 30m
  sweep_interval: 15s
broadcast:
  queue_size: 128
  retry_attempts: 5
  retry_backoff: 250ms
  replay_limit_turns: 40
  cold_join_window_turns: 100
logging:
  level: debug
  format: json
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/saga.db", cfg.Database.Path)
	assert.Equal(t, "super-secret", cfg.Auth.TokenSecret)
	assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 90*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 45*time.Second, cfg.Connections.HeartbeatTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Connections.Retention)
	assert.Equal(t, 128, cfg.Broadcast.QueueSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Broadcast.RetryBackoff)
	assert.Equal(t, int64(40), cfg.Broadcast.ReplayLimitTurns)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
auth:
  token_secret: s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 2*time.Hour, cfg.Session.IdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.Connections.HeartbeatTimeout)
	assert.Equal(t, time.Hour, cfg.Connections.Retention)
	assert.Equal(t, 30*time.Second, cfg.Connections.SweepInterval)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("SAGA_TEST_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
auth:
  token_secret: ${SAGA_TEST_SECRET}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.TokenSecret)
}

func TestLoad_MissingHTTPAddr(t *testing.T) {
	path := writeConfig(t, `
auth:
  token_secret: s
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "server.http_addr")
}

func TestLoad_MissingSecret(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "auth.token_secret")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
auth:
  token_secret: s
connections:
  heartbeat_timeout: soon
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "heartbeat_timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
