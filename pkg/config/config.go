// Package config holds process-wide settings for the storage engine:
// default paths, LogWriter/snapshot/sync tuning, and cache location.
// Flags are bound in cmd/sdctl's PersistentFlags; the non-zero fields of
// an optional YAML file override them.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/notecove/storage/pkg/log"
)

// Config is the fully resolved process configuration.
type Config struct {
	// BaseDir is a parent directory for Storage Directories. No command
	// reads it; register-sd always takes an explicit path.
	BaseDir string `yaml:"baseDir"`

	// DataDir holds the local cache database (cache.sqlite, cache.bolt)
	// and device identity, separate from any Storage Directory.
	DataDir string `yaml:"dataDir"`

	// LogRolloverBytes is a LogWriter segment size threshold. The Document
	// Manager opens each LogWriter with threshold 0 (walstore's built-in
	// default) and does not read this field.
	LogRolloverBytes int64 `yaml:"logRolloverBytes"`

	// SnapshotEveryRecords is a record-count snapshot threshold (0 for
	// none). No package outside pkg/config reads it, so no snapshot is
	// triggered by record count.
	SnapshotEveryRecords int `yaml:"snapshotEveryRecords"`

	// SnapshotCompress writes the zstd-compressed snapshot variant.
	SnapshotCompress bool `yaml:"snapshotCompress"`

	// SyncInterval is a LogSync ticker period, as a duration string
	// (e.g. "30s") so it round-trips through YAML and flags alike. LogSync
	// runs at sync.DefaultInterval and does not read this field.
	SyncInterval string `yaml:"syncInterval"`

	// SyncYieldEvery is a count of peer records between LogSync
	// cancellation checks. LogSync uses sync.DefaultYieldEvery and does
	// not read this field.
	SyncYieldEvery int `yaml:"syncYieldEvery"`

	// LogLevel and LogJSON mirror pkg/log's settings. cmd/sdctl configures
	// logging from its own flags and does not read these fields.
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
}

// Default returns the built-in defaults, overridden by flags and then by
// an optional config file in LoadFile.
func Default() Config {
	return Config{
		BaseDir:              "./storage-dirs",
		DataDir:              "./storage-data",
		LogRolloverBytes:     8 * 1024 * 1024,
		SnapshotEveryRecords: 500,
		SnapshotCompress:     false,
		SyncInterval:         "30s",
		SyncYieldEvery:       200,
		LogLevel:             string(log.InfoLevel),
		LogJSON:              false,
	}
}

// LoadFile reads a YAML config file and applies its non-zero fields over
// cfg: flags bound first from Default(), a file layered on top where
// present, in cmd/sdctl's loadConfig.
func LoadFile(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	merge(&cfg, override)
	return cfg, nil
}

// merge overlays non-zero-value fields of override onto cfg.
func merge(cfg *Config, override Config) {
	if override.BaseDir != "" {
		cfg.BaseDir = override.BaseDir
	}
	if override.DataDir != "" {
		cfg.DataDir = override.DataDir
	}
	if override.LogRolloverBytes != 0 {
		cfg.LogRolloverBytes = override.LogRolloverBytes
	}
	if override.SnapshotEveryRecords != 0 {
		cfg.SnapshotEveryRecords = override.SnapshotEveryRecords
	}
	if override.SnapshotCompress {
		cfg.SnapshotCompress = override.SnapshotCompress
	}
	if override.SyncInterval != "" {
		cfg.SyncInterval = override.SyncInterval
	}
	if override.SyncYieldEvery != 0 {
		cfg.SyncYieldEvery = override.SyncYieldEvery
	}
	if override.LogLevel != "" {
		cfg.LogLevel = override.LogLevel
	}
	if override.LogJSON {
		cfg.LogJSON = override.LogJSON
	}
}
