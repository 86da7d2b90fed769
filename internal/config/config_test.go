package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, uint64(1000), cfg.CatchUp.MaxRange)
	assert.Equal(t, 256, cfg.Session.BufferLimit)
	assert.Equal(t, uint64(500), cfg.Snapshot.Window)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.False(t, cfg.Maintenance)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncwire.yaml")
	content := `
server:
  port: "9090"
catchup:
  max_range: 250
session:
  buffer_limit: 64
storage:
  in_memory: true
maintenance_mode: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, uint64(250), cfg.CatchUp.MaxRange)
	assert.Equal(t, 64, cfg.Session.BufferLimit)
	assert.True(t, cfg.Storage.InMemory)
	assert.True(t, cfg.Maintenance)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Directory = ""
	assert.Error(t, cfg.Validate())
	cfg.Storage.InMemory = true
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.CatchUp.MaxRange = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Session.BufferLimit = 0
	assert.Error(t, cfg.Validate())
}
