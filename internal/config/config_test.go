// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-harness/internal/event"
	"github.com/2389/coven-harness/internal/state"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "harness.yaml", `
engine:
  max_iterations: 50
  stuck_detection: false
  confirmation: "risky"
  risk_threshold: "medium"

persistence:
  backend: "sqlite"
  path: "./harness.db"
  shard_size: 5

delegation:
  max_children: 3
  join_timeout: "2s"
  max_runtime: "1m"
  poll_interval: "50ms"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Engine.MaxIterations)
	assert.False(t, cfg.Engine.StuckDetectionEnabled())
	policy, err := cfg.Engine.Policy()
	require.NoError(t, err)
	assert.Equal(t, state.ConfirmRisky{Threshold: event.RiskMedium}, policy)

	assert.Equal(t, BackendSQLite, cfg.Persistence.Backend)
	assert.Equal(t, "./harness.db", cfg.Persistence.Path)
	assert.Equal(t, 5, cfg.Persistence.ShardSize)

	assert.Equal(t, 3, cfg.Delegation.MaxChildren)
	assert.Equal(t, 2*time.Second, cfg.Delegation.JoinTimeout)
	assert.Equal(t, time.Minute, cfg.Delegation.MaxRuntime)
	assert.Equal(t, 50*time.Millisecond, cfg.Delegation.PollInterval)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "harness.toml", `
[engine]
max_iterations = 20
confirmation = "always"

[persistence]
backend = "memory"

[delegation]
join_timeout = "3s"

[secrets]
API_KEY = "sk-toml"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Engine.MaxIterations)
	assert.True(t, cfg.Engine.StuckDetectionEnabled())
	policy, err := cfg.Engine.Policy()
	require.NoError(t, err)
	assert.Equal(t, state.AlwaysConfirm{}, policy)
	assert.Equal(t, BackendMemory, cfg.Persistence.Backend)
	assert.Empty(t, cfg.Persistence.Path)
	assert.Equal(t, 3*time.Second, cfg.Delegation.JoinTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Delegation.MaxRuntime)
	assert.Equal(t, map[string]string{"API_KEY": "sk-toml"}, cfg.Secrets)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_HARNESS_TOKEN", "ghp-secret")
	t.Setenv("TEST_HARNESS_DB", "/tmp/harness-test.db")

	path := writeConfig(t, "harness.yaml", `
persistence:
  backend: "sqlite"
  path: "${TEST_HARNESS_DB}"
secrets:
  GITHUB_TOKEN: "${TEST_HARNESS_TOKEN}"
  MISSING: "${TEST_HARNESS_UNSET_VAR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/harness-test.db", cfg.Persistence.Path)
	assert.Equal(t, "ghp-secret", cfg.Secrets["GITHUB_TOKEN"])
	assert.Equal(t, "", cfg.Secrets["MISSING"])
}

func TestDefault(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	cfg := Default()

	assert.Equal(t, 500, cfg.Engine.MaxIterations)
	assert.True(t, cfg.Engine.StuckDetectionEnabled())
	assert.Equal(t, BackendFile, cfg.Persistence.Backend)
	assert.Equal(t, filepath.Join("/data", "coven", "conversations"), cfg.Persistence.Path)

	sqlite, err := Parse([]byte("persistence:\n  backend: sqlite\n"), false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "coven", "harness.db"), sqlite.Persistence.Path)
	assert.Equal(t, 20, cfg.Persistence.ShardSize)
	assert.Equal(t, 10, cfg.Delegation.MaxChildren)
	assert.Equal(t, 10*time.Second, cfg.Delegation.JoinTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Delegation.PollInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", "delegation:\n  join_timeout: \"soon\"\n", "join_timeout"},
		{"negative duration", "delegation:\n  max_runtime: \"-1s\"\n", "max_runtime must be positive"},
		{"bad backend", "persistence:\n  backend: \"s3\"\n", "persistence.backend"},
		{"bad policy", "engine:\n  confirmation: \"sometimes\"\n", "engine.confirmation"},
		{"bad threshold", "engine:\n  confirmation: \"risky\"\n  risk_threshold: \"extreme\"\n", "engine.confirmation"},
		{"bad level", "logging:\n  level: \"loud\"\n", "logging.level"},
		{"bad format", "logging:\n  format: \"xml\"\n", "logging.format"},
		{"bad shard size", "persistence:\n  shard_size: -2\n", "shard_size"},
		{"bad yaml", "engine: [unclosed\n", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "harness.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/cfg")

	path, explicit := ResolvePath("/etc/harness.yaml")
	assert.Equal(t, "/etc/harness.yaml", path)
	assert.True(t, explicit)

	path, explicit = ResolvePath("")
	assert.Equal(t, filepath.Join("/cfg", "coven", "harness.yaml"), path)
	assert.False(t, explicit)

	t.Setenv(EnvConfigPath, "/env/harness.toml")
	path, explicit = ResolvePath("")
	assert.Equal(t, "/env/harness.toml", path)
	assert.True(t, explicit)
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := LoadOrDefault("")
	require.NoError(t, err, "missing default file falls back to defaults")
	assert.Equal(t, 500, cfg.Engine.MaxIterations)

	_, err = LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicitly named file must exist")
}
