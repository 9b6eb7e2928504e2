package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziptility/rxsync/internal/auth"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rxsync.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "rxsync.db", cfg.Storage.Path)
	assert.Equal(t, EventsMemory, cfg.Events.Driver)
	assert.Equal(t, 100, cfg.Replication.PullLimit)
	assert.Equal(t, 1000, cfg.Replication.MaxPullLimit)
	assert.Equal(t, 5*time.Second, cfg.Replication.StreamRetryDelay)
	assert.Equal(t, 5*time.Second, cfg.Events.PublishTimeout)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "127.0.0.1:9090"
  heartbeat_interval: 30s
storage:
  path: /var/lib/rxsync/data.db
events:
  driver: nats
  nats_url: nats://nats:4222
  publish_timeout: 2s
replication:
  pull_limit: 50
  stream_retry_delay: 250ms
auth:
  enabled: true
  secret: "0123456789abcdef0123456789abcdef"
  rules:
    - collection: Hero
      operations: [read, create]
      roles: [editor]
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadHeaderTimeout, "unset fields keep defaults")
	assert.Equal(t, "/var/lib/rxsync/data.db", cfg.Storage.Path)
	assert.Equal(t, EventsNats, cfg.Events.Driver)
	assert.Equal(t, 2*time.Second, cfg.Events.PublishTimeout)
	assert.Equal(t, 50, cfg.Replication.PullLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Replication.StreamRetryDelay)
	assert.True(t, cfg.Auth.Enabled)
	require.Len(t, cfg.Auth.Rules, 1)
	assert.Equal(t, auth.Rule{
		Collection: "Hero",
		Operations: []auth.Operation{auth.OperationRead, auth.OperationCreate},
		Roles:      []string{"editor"},
	}, cfg.Auth.Rules[0])
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: from-file.db
`)
	t.Setenv("RXSYNC_DB_PATH", "from-env.db")
	t.Setenv("RXSYNC_PULL_LIMIT", "25")
	t.Setenv("RXSYNC_AUTH_ENABLED", "true")
	t.Setenv("RXSYNC_JWT_SECRET", "env-secret-env-secret-env-secret!")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env.db", cfg.Storage.Path)
	assert.Equal(t, 25, cfg.Replication.PullLimit)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, []byte("env-secret-env-secret-env-secret!"), cfg.JWT().Secret)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		env     map[string]string
		name    string
		content string
	}{
		{name: "malformed yaml", content: "server: [unclosed"},
		{name: "unknown driver", content: "events:\n  driver: kafka\n"},
		{name: "auth without secret", content: "auth:\n  enabled: true\n"},
		{name: "bad log level", content: "log:\n  level: loud\n"},
		{name: "bad log format", content: "log:\n  format: xml\n"},
		{name: "pull limit above max", content: "replication:\n  pull_limit: 5000\n"},
		{name: "bad env int", content: "", env: map[string]string{"RXSYNC_MAX_PULL_LIMIT": "many"}},
		{name: "bad env bool", content: "", env: map[string]string{"RXSYNC_AUTH_ENABLED": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"key":"value"`)
}
