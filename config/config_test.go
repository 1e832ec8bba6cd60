package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, 100, cfg.Events.BufferSize)
	assert.Equal(t, "jira", cfg.Workflow.SystemDefault)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  format: json
storage:
  backend: sqlite
  sqlite:
    path: /tmp/wf.db
lock:
  ttl: 30s
  max_wait: 2s
workflow:
  backup_on_publish: true
`), 0o600))
	t.Setenv("WORKFLOW_EVENTS_BUFFER_SIZE", "7")
	t.Setenv("WORKFLOW_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/wf.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 2*time.Second, cfg.Lock.MaxWait)
	assert.Equal(t, 7, cfg.Events.BufferSize)
	assert.True(t, cfg.Workflow.BackupOnPublish)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Storage.Backend = "cassandra"
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Backend")

	bad = *cfg
	bad.Lock.TTL = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Storage.Backend = "sqlite"
	bad.Storage.SQLite.Path = " "
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Workflow.SystemDefault = ""
	assert.Error(t, bad.Validate())
}
