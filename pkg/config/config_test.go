package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	require.Greater(t, cfg.Engine.WorkerCount, 0)
	require.Equal(t, 1, cfg.Engine.MempoolWorkers)
	require.False(t, cfg.Engine.EnableAxiomA3)
	require.False(t, cfg.Engine.EnableSpeculativeDiscovery)

	require.Equal(t, uint64(4096), cfg.Bloom.Bits)
	require.Equal(t, uint32(4), cfg.Bloom.Hashes)

	require.Equal(t, 10000, cfg.ResultCache.Capacity)

	require.Equal(t, "memory", cfg.Store.Backend)

	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)

	require.False(t, cfg.Metrics.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigMergesWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[engine]
worker_count = 8
enable_axiom_a3 = true

[store]
backend = "badger"
path = "/tmp/statengine"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Engine.WorkerCount)
	require.True(t, cfg.Engine.EnableAxiomA3)
	require.Equal(t, "badger", cfg.Store.Backend)
	require.Equal(t, "/tmp/statengine", cfg.Store.Path)
	// Untouched sections retain their defaults.
	require.Equal(t, uint64(4096), cfg.Bloom.Bits)
}

func TestValidateRejectsUnknownStoreBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = "rocksdb"
	require.ErrorIs(t, cfg.Validate(), ErrInvalidStoreBackend)
}

func TestValidateRequiresPathForDurableBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = "leveldb"
	cfg.Store.Path = ""
	require.ErrorIs(t, cfg.Validate(), ErrEmptyStorePath)
}

func TestValidateRequiresMetricsFieldsWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Namespace = ""
	require.ErrorIs(t, cfg.Validate(), ErrEmptyMetricsNamespace)
}
