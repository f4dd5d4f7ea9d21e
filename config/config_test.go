package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, validateConfig(DefaultConfig()))
}

func TestLoadConfigAppliesEnvOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"engine_host":"file-host","engine_port":5433}`), 0o600))

	t.Setenv("ENGINE_HOST", "env-host")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.EngineHost, "env var must win over file value")
	assert.Equal(t, 5433, cfg.EnginePort, "file value stands when no env var overrides it")
}

func TestLoadConfigFDWDefaultsToEngineHostPort(t *testing.T) {
	t.Setenv("ENGINE_HOST", "db.internal")
	t.Setenv("ENGINE_PORT", "6543")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.EngineFDWHost)
	assert.Equal(t, 6543, cfg.EngineFDWPort)
}

func TestLoadConfigExplicitFDWOverridesDefault(t *testing.T) {
	t.Setenv("ENGINE_HOST", "db.internal")
	t.Setenv("ENGINE_FDW_HOST", "fdw.internal")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "fdw.internal", cfg.EngineFDWHost)
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvalidPort(t *testing.T) {
	t.Setenv("ENGINE_PORT", "70000")
	_, err := LoadConfig("")
	assert.Error(t, err)
}
