package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notecove/storage/pkg/cache"
	"github.com/notecove/storage/pkg/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print this device's identity and every registered Storage Directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sqlStore, err := cache.OpenSQLStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open cache db: %w", err)
		}
		defer sqlStore.Close()

		device, err := config.EnsureDeviceIdentity(sqlStore)
		if err != nil {
			return err
		}
		fmt.Printf("Device:\n  Profile ID:  %s\n  Instance ID: %s\n\n", device.ProfileID, device.InstanceID)

		dirs, err := sqlStore.ListStorageDirs()
		if err != nil {
			return err
		}
		if len(dirs) == 0 {
			fmt.Println("No Storage Directories registered. Use `sdctl register-sd NAME PATH`.")
			return nil
		}

		fmt.Printf("%-20s %-10s %-40s %s\n", "NAME", "ACTIVE", "PATH", "ID")
		for _, sd := range dirs {
			active := "no"
			if sd.IsActive {
				active = "yes"
			}
			fmt.Printf("%-20s %-10s %-40s %s\n", sd.Name, active, sd.Path, sd.ID)
		}
		return nil
	},
}
