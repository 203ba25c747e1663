package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "forkline.db", filepath.Base(cfg.Database.DSN))
	assert.Equal(t, 60*time.Second, cfg.Agent.Timeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
database:
  driver: pgx
  dsn: postgres://localhost/forkline
agent:
  url: https://agent.example.com/chat
  default_agent: chemistry
  timeout: 90s
log:
  level: debug
`), 0o600))

	t.Setenv("FORKLINE_ADDR", ":9100")
	t.Setenv("FORKLINE_AGENT_TIMEOUT", "2m")
	t.Setenv("FORKLINE_LOG_DEVELOPMENT", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/forkline", cfg.Database.DSN)
	assert.Equal(t, "chemistry", cfg.Agent.DefaultAgent)
	assert.Equal(t, 2*time.Minute, cfg.Agent.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("database: [nope"), 0o600))
	_, err := Load(bad)
	assert.ErrorContains(t, err, "parsing config")

	t.Setenv("FORKLINE_DB_DRIVER", "mysql")
	_, err = Load("")
	assert.ErrorContains(t, err, "unsupported database driver")

	t.Setenv("FORKLINE_DB_DRIVER", "")
	t.Setenv("FORKLINE_AGENT_TIMEOUT", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "FORKLINE_AGENT_TIMEOUT")
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Database.DSN = "/tmp/forkline.db"
	cfg.Agent.Timeout = 45 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
