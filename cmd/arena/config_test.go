package main

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

func TestLoadConfig(t *testing.T) {
	t.Setenv("ARENA_LLM_API_KEY", "sk-env")
	path := writeConfig(t, `
feed:
  driver: simulated
llm:
  api_key: sk-file
  pricing:
    my-model: {input_per_mtok: 1, output_per_mtok: 2}
arena:
  commentary_cooldown_ms: 1500
  defaults:
    pair: ETHUSDT
    agent_count: 4
    decision_interval_ms: 5000
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.LLM.APIKey, "env overrides file")
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "ETHUSDT", cfg.Arena.Defaults.Pair)
	assert.Equal(t, int64(5000), cfg.Arena.Defaults.DecisionIntervalMs)

	opts := cfg.arenaOptions()
	assert.Equal(t, 1500*time.Millisecond, opts.CommentaryCooldown)
	assert.Equal(t, 2.0, opts.Pricing["my-model"].OutputPerMTok)
	assert.Contains(t, opts.Pricing, "gpt-4o-mini", "built-in prices are kept")
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "feed:\n  driver: kraken\n"))
	assert.ErrorContains(t, err, "kraken")

	t.Setenv("ARENA_DB_DSN", "")
	_, err = loadConfig(writeConfig(t, "storage:\n  driver: postgres\n"))
	assert.ErrorContains(t, err, "dsn")

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
