package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbcore.yaml")

	contents := `
wal:
  directory: /var/lib/dbcore/wal
  sync_mode: periodic
conflict:
  shard_count: 32
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/dbcore/wal", cfg.WAL.Directory)
	require.Equal(t, PeriodicSync, cfg.WAL.SyncMode)
	require.Equal(t, 32, cfg.Conflict.ShardCount)
	// Untouched sections retain their defaults.
	require.Equal(t, "QueryHigh", cfg.HCC.StrategyPreset)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
