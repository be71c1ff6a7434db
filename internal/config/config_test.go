package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ".tx", cfg.StateDir)
	assert.Equal(t, 16, cfg.Pool.MaxWorkers)
	assert.Equal(t, 3, cfg.Pool.MissedThreshold)
	assert.Equal(t, filepath.Join(".tx", "tx.db"), cfg.DatabasePath())
	assert.Empty(t, cfg.Embedding.Provider, "embedding is opt-in")
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.yaml")
	data := `
state_dir: /var/lib/tx
server:
  listen_addr: 0.0.0.0:9000
reaper:
  transcript_idle: 5m
rate_limit:
  enabled: true
  limit: 10
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tx", cfg.StateDir)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.Reaper.TranscriptIdle)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.RateLimit.Limit)
	// Untouched sections keep their defaults.
	assert.Equal(t, 16, cfg.Pool.MaxWorkers)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7433", cfg.Server.ListenAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state_dir: /from/file\n"), 0o644))

	t.Setenv("TX_STATE_DIR", "/from/env")
	t.Setenv("TX_MAX_WORKERS", "4")
	t.Setenv("TX_ANCHOR_TTL_SECONDS", "90")
	t.Setenv("TX_DEBUG", "yes")
	t.Setenv("TX_EMBEDDING_PROVIDER", "ollama")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.StateDir, "env must win over the file")
	assert.Equal(t, 4, cfg.Pool.MaxWorkers)
	assert.Equal(t, 90*time.Second, cfg.Anchors.VerifyTTL)
	assert.True(t, cfg.Logging.Debug)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
}

func TestValidation(t *testing.T) {
	write := func(body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "tx.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	_, err := Load(write("pool:\n  max_workers: 0\n"))
	assert.Error(t, err, "zero max_workers")

	_, err = Load(write("anchors:\n  heal_threshold: 1.5\n"))
	assert.Error(t, err, "heal_threshold above 1")

	_, err = Load(write("embedding:\n  provider: openai\n"))
	assert.Error(t, err, "unknown embedding provider")
}
