package main

import (
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/notecove/storage/pkg/cache"
)

var (
	dataDir = flag.String("data-dir", "./storage-data", "Storage engine data directory (cache.sqlite, cache.bolt)")
	dryRun  = flag.Bool("dry-run", false, "Report the pending schema version without applying migrations")
	backup  = flag.String("backup", "", "Directory to copy the cache files into before migrating (default: <data-dir>/backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("notecove storage cache migration tool")
	log.Println("======================================")

	sqlitePath := filepath.Join(*dataDir, "cache.sqlite")
	boltPath := filepath.Join(*dataDir, "cache.bolt")

	if _, err := os.Stat(sqlitePath); os.IsNotExist(err) {
		log.Fatalf("cache database not found at %s (nothing to migrate)", sqlitePath)
	}

	log.Printf("Data directory: %s", *dataDir)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupDir := *backup
		if backupDir == "" {
			backupDir = filepath.Join(*dataDir, "backup")
		}
		if err := os.MkdirAll(backupDir, 0o755); err != nil {
			log.Fatalf("failed to create backup dir: %v", err)
		}
		for _, src := range []string{sqlitePath, boltPath} {
			if _, err := os.Stat(src); os.IsNotExist(err) {
				continue
			}
			dst := filepath.Join(backupDir, filepath.Base(src))
			log.Printf("Backing up %s -> %s", src, dst)
			if err := copyFile(src, dst); err != nil {
				log.Fatalf("failed to back up %s: %v", src, err)
			}
		}
		log.Println("✓ Backup complete")
	}

	if *dryRun {
		if err := reportPendingMigrations(*dataDir); err != nil {
			log.Fatalf("failed to inspect schema: %v", err)
		}
		log.Println("\nDry run complete. No changes made.")
		return
	}

	store, err := cache.OpenSQLStore(*dataDir)
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	defer store.Close()

	log.Printf("✓ Schema is now at version %d", cache.SchemaVersion)
}

func reportPendingMigrations(dataDir string) error {
	// Opening applies pending migrations; a dry run instead reports the
	// build's target version against the on-disk DSN without writing.
	store, err := cache.OpenSQLStoreReadOnly(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	version, err := store.CurrentSchemaVersion()
	if err != nil {
		return err
	}
	if version == cache.SchemaVersion {
		log.Printf("Schema is already current (version %d)", version)
	} else {
		log.Printf("Schema at version %d, build targets version %d: %d migration(s) pending", version, cache.SchemaVersion, cache.SchemaVersion-version)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}
