package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSetDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()
	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, 0.05, c.Wald.Alpha)
	assert.Equal(t, 9, c.Wald.MaxVotes)
	assert.True(t, c.Shadow.IsEnabled())
	assert.Equal(t, 3, c.Healing.MaxAttempts)
	assert.True(t, c.Checkpoint.IsEnabled())
	assert.Equal(t, CheckpointBackendSQLite, c.Checkpoint.Backend)
	assert.Equal(t, 3, c.Governance.CircuitBreakerLimit)
	assert.Equal(t, 25, c.Orchestrator.MaxIterations)
}

func TestConfigValidateRejectsBadWaldBounds(t *testing.T) {
	c := Config{}
	c.SetDefaults()
	c.Wald.P0 = 0.9
	c.Wald.P1 = 0.5
	require.Error(t, c.Validate())
}

func TestConfigValidateRejectsMissingRedisAddr(t *testing.T) {
	c := Config{}
	c.SetDefaults()
	c.Checkpoint.Backend = CheckpointBackendRedis
	require.Error(t, c.Validate())
}

func TestConfigValidateRejectsMissingPostgresDSN(t *testing.T) {
	c := Config{}
	c.SetDefaults()
	c.Checkpoint.Backend = CheckpointBackendPostgres
	require.Error(t, c.Validate())
	c.Checkpoint.PostgresDSN = "postgres://localhost/concord"
	require.NoError(t, c.Validate())
}

func TestConfigValidateAcceptsDefaults(t *testing.T) {
	c := Config{}
	c.SetDefaults()
	require.NoError(t, c.Validate())
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "council.yaml")
	content := []byte(`
logging:
  level: debug
wald:
  max_votes: 7
checkpoint:
  backend: sqlite
  sqlite_path: ./test.db
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Wald.MaxVotes)
	assert.Equal(t, "./test.db", cfg.Checkpoint.SQLitePath)
	assert.Equal(t, 0.05, cfg.Wald.Alpha)
}
