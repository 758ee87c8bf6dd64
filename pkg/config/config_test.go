package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("baseDir: /custom/dirs\nsyncYieldEvery: 50\n"), 0o644))

	cfg, err := LoadFile(Default(), path)
	require.NoError(t, err)
	require.Equal(t, "/custom/dirs", cfg.BaseDir)
	require.Equal(t, 50, cfg.SyncYieldEvery)
	require.Equal(t, Default().DataDir, cfg.DataDir)
	require.Equal(t, Default().SnapshotEveryRecords, cfg.SnapshotEveryRecords)
}

func TestLoadFileMissingPathIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(Default(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFileEmptyPathReturnsInput(t *testing.T) {
	cfg, err := LoadFile(Default(), "")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
