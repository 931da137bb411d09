package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "memoric", cfg.App.Name)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Retrieval.DefaultTopK)
	assert.Equal(t, "0 3 * * *", cfg.Scheduler.Cron)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.False(t, cfg.Redis.Enabled)

	require.Len(t, cfg.Policy.Tiers, 3)
	assert.Equal(t, "short_term", cfg.Policy.Tiers[0].Name)
	assert.Equal(t, "long_term", cfg.Policy.Tiers[2].Name)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := writeConfigFile(t, "memoric.yaml", `
app:
  name: memoric-test
  environment: staging
log:
  level: debug
storage:
  backend: sqlite
  path: /tmp/memoric-test.db
scoring:
  decay_days: 30
policy:
  tiers:
    - name: hot
      expiry_days: 3
      max_chars: 500
    - name: cold
rules:
  - type: topic_boost
    topics: [billing]
    boost: 10
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "memoric-test", cfg.App.Name)
	assert.Equal(t, "staging", cfg.App.Environment)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, float64(30), cfg.Scoring.DecayDays)
	// Untouched defaults survive a partial file.
	assert.Equal(t, 0.5, cfg.Scoring.ImportanceWeight)

	require.Len(t, cfg.Policy.Tiers, 2)
	assert.Equal(t, "hot", cfg.Policy.Tiers[0].Name)
	assert.Equal(t, 3, cfg.Policy.Tiers[0].ExpiryDays)

	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "topic_boost", cfg.Rules[0].Type)
	assert.Equal(t, []string{"billing"}, cfg.Rules[0].Topics)
}

func TestLoadFromJSONFile(t *testing.T) {
	path := writeConfigFile(t, "memoric.json", `{
  "storage": {"backend": "badger", "path": "/tmp/memoric-badger"},
  "retrieval": {"default_top_k": 5}
}`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 5, cfg.Retrieval.DefaultTopK)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeConfigFile(t, "memoric.toml", "backend = 'memory'")
	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MEMORIC_STORAGE__BACKEND", "sqlite")
	t.Setenv("MEMORIC_STORAGE__PATH", "/tmp/env.db")
	t.Setenv("MEMORIC_LOG__LEVEL", "warn")
	t.Setenv("MEMORIC_METRICS__PORT", "9200")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/env.db", cfg.Storage.Path)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 9200, cfg.Metrics.Port)
}

func TestEnvOverridesFileValues(t *testing.T) {
	path := writeConfigFile(t, "memoric.yaml", "log:\n  level: debug\n")
	t.Setenv("MEMORIC_LOG__LEVEL", "error")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestExplicitOverridesWinOverEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MEMORIC_LOG__LEVEL", "error")

	cfg, err := Load(&LoadOptions{
		Overrides: map[string]any{"log.level": "debug"},
	})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestSkipValidation(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MEMORIC_STORAGE__BACKEND", "nosuch")

	_, err := Load(nil)
	require.Error(t, err)

	cfg, err := Load(&LoadOptions{SkipValidation: true})
	require.NoError(t, err)
	assert.Equal(t, "nosuch", cfg.Storage.Backend)
}
