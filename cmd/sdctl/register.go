package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/notecove/storage/pkg/cache"
)

var registerSdCmd = &cobra.Command{
	Use:   "register-sd NAME PATH",
	Short: "Register a Storage Directory by name and filesystem path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, path := args[0], args[1]

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sqlStore, err := cache.OpenSQLStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open cache db: %w", err)
		}
		defer sqlStore.Close()

		dirs, err := sqlStore.ListStorageDirs()
		if err != nil {
			return err
		}
		for _, existing := range dirs {
			if existing.Name == name {
				fmt.Printf("Storage Directory %q already registered as %s at %s\n", name, existing.ID, existing.Path)
				return nil
			}
		}

		sd := cache.StorageDir{
			ID:       uuid.New().String(),
			Name:     name,
			Path:     path,
			UUID:     uuid.New().String(),
			Created:  time.Now().UnixMilli(),
			IsActive: true,
		}
		if err := sqlStore.RegisterStorageDir(sd); err != nil {
			return err
		}

		fmt.Printf("Registered Storage Directory %q\n", name)
		fmt.Printf("  ID:   %s\n", sd.ID)
		fmt.Printf("  Path: %s\n", sd.Path)
		return nil
	},
}
