package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RANDOMCHAT_AUTH_JWTSECRET", "s3cret")
	t.Setenv("RANDOMCHAT_STORE_DRIVER", "memory")
	t.Setenv("RANDOMCHAT_MATCHING_FILTERTIMEOUT", "45s")

	cfg, err := Load(discard(), "config")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 256, cfg.Server.Workers)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 45*time.Second, cfg.Matching.FilterTimeout)
	assert.Equal(t, time.Second, cfg.Matching.RetrySlack)
	assert.Equal(t, 10, cfg.Matching.GenderFilterCost)
	assert.Equal(t, 5*time.Minute, cfg.Matching.QueueMaxAge)
	assert.Equal(t, 30*time.Second, cfg.Chat.GracePeriod)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := `
server:
  addr: ":9090"
  name: ws-7
auth:
  jwtSecret: from-file
store:
  driver: memory
  autoProvision: true
chat:
  gracePeriod: 10s
log:
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("RANDOMCHAT_SERVER_NAME", "ws-env")

	cfg, err := Load(discard(), "config")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "ws-env", cfg.Server.Name, "env overrides file")
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Store.AutoProvision)
	assert.Equal(t, 10*time.Second, cfg.Chat.GracePeriod)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(discard(), "config")
	assert.ErrorContains(t, err, "jwtSecret")

	t.Setenv("RANDOMCHAT_AUTH_JWTSECRET", "s")
	t.Setenv("RANDOMCHAT_STORE_DRIVER", "mongo")
	_, err = Load(discard(), "config")
	assert.ErrorContains(t, err, "store.driver")
}
