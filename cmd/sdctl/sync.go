package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/notecove/storage/pkg/deletion"
	"github.com/notecove/storage/pkg/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one LogSync cycle and one deletion-propagation pass over every loaded document, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := bootstrapEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.close()

		for sdID := range eng.coord.RegisteredSds() {
			if _, err := eng.coord.LoadFolderTree(sdID); err != nil {
				fmt.Fprintf(os.Stderr, "warning: preload folder tree for %s: %v\n", sdID, err)
			}
		}

		syncer := sync.New(eng.device, eng.coord.Notes(), eng.coord.Folders())
		syncer.SetCursorStore(eng.bolt)
		syncer.RunOnce()
		fmt.Println("✓ LogSync cycle complete")

		for sdID, path := range eng.coord.RegisteredSds() {
			dir := filepath.Join(path, "deleted")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "warning: create deleted dir for %s: %v\n", sdID, err)
				continue
			}
			dlog := deletion.New(dir, eng.device)
			applier := &deletionApplier{sdID: sdID, sql: eng.sql, coord: eng.coord}
			deleted, err := dlog.SyncFromOtherInstances(eng.sql, applier)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: deletion sync for %s: %v\n", sdID, err)
				continue
			}
			if len(deleted) > 0 {
				fmt.Printf("✓ Applied %d tombstone(s) in %s\n", len(deleted), sdID)
			}
		}
		fmt.Println("✓ Deletion propagation complete")
		return nil
	},
}
