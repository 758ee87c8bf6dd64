package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notecove/storage/pkg/cache"
	"github.com/notecove/storage/pkg/config"
	"github.com/notecove/storage/pkg/coordinator"
	"github.com/notecove/storage/pkg/log"
	"github.com/notecove/storage/pkg/types"
)

// engine bundles every long-lived handle a running sdctl process holds,
// assembled once at startup before entering the wait-for-signal loop.
type engine struct {
	cfg    config.Config
	sql    *cache.SQLStore
	bolt   *cache.BoltStore
	coord  *coordinator.Coordinator
	device types.DeviceID
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg, err := config.LoadFile(cfg, configPath)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// bootstrapEngine opens the local cache, resolves this device's stable
// identity, and constructs a Coordinator. Every active Storage Directory
// registered in the cache is re-registered so a restart picks up exactly
// where it left off; inactive ones are skipped.
func bootstrapEngine(cmd *cobra.Command) (*engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	sqlStore, err := cache.OpenSQLStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("sdctl: open cache db: %w", err)
	}

	boltStore, err := cache.NewBoltStore(cfg.DataDir)
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("sdctl: open cache blob store: %w", err)
	}

	device, err := config.EnsureDeviceIdentity(sqlStore)
	if err != nil {
		_ = sqlStore.Close()
		_ = boltStore.Close()
		return nil, err
	}
	log.WithComponent("sdctl").Info().
		Str("profile_id", device.ProfileID).
		Str("instance_id", device.InstanceID).
		Msg("device identity resolved")

	coord := coordinator.New(device, boltStore)
	coord.SetSnapshotCompress(cfg.SnapshotCompress)

	dirs, err := sqlStore.ListStorageDirs()
	if err != nil {
		_ = sqlStore.Close()
		_ = boltStore.Close()
		return nil, err
	}
	for _, sd := range dirs {
		if !sd.IsActive {
			continue
		}
		if err := coord.RegisterSd(sd.ID, sd.Path); err != nil {
			log.WithComponent("sdctl").Warn().Err(err).Str("sd_id", sd.ID).Msg("failed to re-register storage dir")
		}
	}

	return &engine{cfg: cfg, sql: sqlStore, bolt: boltStore, coord: coord, device: device}, nil
}

func (e *engine) close() {
	if err := e.coord.Shutdown(); err != nil {
		log.WithComponent("sdctl").Warn().Err(err).Msg("error finalizing documents during shutdown")
	}
	_ = e.bolt.Close()
	_ = e.sql.Close()
}

// deletionApplier implements deletion.Applier against the local cache and
// the running Coordinator: a tombstone removes the note's row from the
// relational cache and unloads its Document Manager state, if loaded.
type deletionApplier struct {
	sdID  string
	sql   *cache.SQLStore
	coord *coordinator.Coordinator
}

func (a *deletionApplier) ProcessRemoteDeletion(documentID string) error {
	if err := a.sql.DeleteNote(documentID); err != nil {
		return err
	}
	docID := types.DocumentID{Kind: types.DocKindNote, ID: documentID}
	if _, ok := a.coord.Notes().Get(a.sdID, docID); ok {
		return a.coord.Notes().Unload(a.sdID, docID)
	}
	return nil
}
