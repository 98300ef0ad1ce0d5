package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:37780", cfg.ListenAddr())
	assert.Equal(t, 0.35, cfg.Recall.Weights.Semantic)
	assert.Equal(t, 5, cfg.RecallPolicy().Limit)
	assert.Equal(t, "@hourly", cfg.Forget.Schedule)
	assert.Contains(t, cfg.Store.ReflexKeywords, "danger")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
server:
  port: 9000
recall:
  deadline: 1500ms
  limit: 7
  weights:
    semantic: 0.4
    temporal: 0.1
    emotional: 0.25
    contextual: 0.25
  triggers:
    phrases: ["as i said"]
forget:
  schedule: "*/15 * * * *"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 1500*time.Millisecond, cfg.Recall.Deadline)
	assert.Equal(t, 7, cfg.RecallPolicy().Limit)
	assert.Equal(t, 0.4, cfg.RecallPolicy().Weights.Semantic)
	assert.Equal(t, []string{"as i said"}, cfg.Recall.Triggers.Phrases)
	assert.Equal(t, "*/15 * * * *", cfg.Forget.Schedule)
	// untouched sections keep defaults
	assert.Equal(t, 0.3, cfg.Recall.Floors.Semantic)
	assert.Equal(t, "127.0.0.1", cfg.Server.Bind)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("RESONANCE_SERVER_PORT", "9100")
	t.Setenv("RESONANCE_DB", "/tmp/r.db")
	t.Setenv("RESONANCE_REFLEX_KEYWORDS", "fire,flood")
	t.Setenv("RESONANCE_RECALL_DEADLINE", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/tmp/r.db", cfg.Database.Path)
	assert.Equal(t, []string{"fire", "flood"}, cfg.Store.ReflexKeywords)
	assert.Equal(t, 3*time.Second, cfg.Recall.Deadline)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"weights":  "recall:\n  weights:\n    semantic: 0.9\n",
		"cron":     "forget:\n  schedule: \"not a cron\"\n",
		"format":   "log:\n  format: xml\n",
		"level":    "log:\n  level: loud\n",
		"provider": "embedder:\n  provider: magic\n",
		"chunk":    "ingest:\n  chunk_size: 100\n  chunk_overlap: 100\n",
		"yaml":     "server: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestDisabledForgetSkipsCronCheck(t *testing.T) {
	cfg := Default()
	cfg.Forget.Enabled = false
	cfg.Forget.Schedule = "garbage"
	assert.NoError(t, cfg.Validate())
}

func TestPolicies(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Forget.Horizon, cfg.ForgetPolicy().Horizon)
	assert.Equal(t, cfg.Cache.TTL, cfg.CachePolicy().TTL)
	assert.Equal(t, cfg.Retry.Attempts, cfg.RetryPolicy().Attempts)

	lvl, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, "INFO", lvl.String())
}
