package cache

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/notecove/storage/pkg/storageerr"
)

// SchemaVersion is the current code-side schema version. Bump this and
// append a migration whenever the relational schema changes.
const SchemaVersion = 1

type migration struct {
	version     int
	description string
	// derivedOnly marks a migration that only touches rebuildable cache
	// tables: on a cache rebuild these may be dropped and recreated
	// freely, unlike a user-authored table migration.
	derivedOnly bool
	up          func(tx *sqlx.Tx) error
}

var migrations = []migration{
	{
		version:     1,
		description: "initial schema: notes, folders, tags, links, storage dirs, app state",
		up:          migration1,
	},
}

func migration1(tx *sqlx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS storage_dirs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			path TEXT NOT NULL UNIQUE,
			uuid TEXT,
			created INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			parent_id TEXT,
			sd_id TEXT NOT NULL,
			sort_order INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			sd_id TEXT NOT NULL,
			folder_id TEXT,
			created INTEGER NOT NULL,
			modified INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0,
			content_preview TEXT NOT NULL DEFAULT '',
			content_text TEXT NOT NULL DEFAULT '',
			FOREIGN KEY(folder_id) REFERENCES folders(id)
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
			title, content_text, content='notes', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS notes_ai AFTER INSERT ON notes BEGIN
			INSERT INTO notes_fts(rowid, title, content_text) VALUES (new.rowid, new.title, new.content_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS notes_ad AFTER DELETE ON notes BEGIN
			INSERT INTO notes_fts(notes_fts, rowid, title, content_text) VALUES('delete', old.rowid, old.title, old.content_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS notes_au AFTER UPDATE ON notes BEGIN
			INSERT INTO notes_fts(notes_fts, rowid, title, content_text) VALUES('delete', old.rowid, old.title, old.content_text);
			INSERT INTO notes_fts(rowid, title, content_text) VALUES (new.rowid, new.title, new.content_text);
		END`,
		`CREATE TABLE IF NOT EXISTS tags (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			name_ci TEXT GENERATED ALWAYS AS (lower(name)) VIRTUAL,
			UNIQUE(name_ci)
		)`,
		`CREATE TABLE IF NOT EXISTS note_tags (
			note_id TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
			tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			PRIMARY KEY (note_id, tag_id)
		)`,
		`CREATE TABLE IF NOT EXISTS note_links (
			source_note_id TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
			target_note_id TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
			PRIMARY KEY (source_note_id, target_note_id)
		)`,
		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("cache: migration 1: %s: %w", stmt, err)
		}
	}
	return nil
}

// Migrate brings the schema up to SchemaVersion, recording each applied
// migration in schema_version with a timestamp. Refuses to open a
// database whose stored version exceeds what this build knows about
// (storageerr.ErrVersionTooNew).
func Migrate(db *sqlx.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL,
		description TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("cache: %w: create schema_version: %w", storageerr.ErrIOError, err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("cache: %w: stored version %d exceeds build version %d", storageerr.ErrVersionTooNew, current, SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("cache: %w: begin migration %d: %w", storageerr.ErrIOError, m.version, err)
		}
		if err := m.up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("cache: migration %d failed: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
			m.version, time.Now().UnixMilli(), m.description); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("cache: %w: record migration %d: %w", storageerr.ErrIOError, m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("cache: %w: commit migration %d: %w", storageerr.ErrIOError, m.version, err)
		}
	}
	return nil
}

// CurrentSchemaVersion reports the schema version already applied to db,
// without applying any pending migrations.
func CurrentSchemaVersion(db *sqlx.DB) (int, error) {
	return currentVersion(db)
}

func currentVersion(db *sqlx.DB) (int, error) {
	var version int
	err := db.Get(&version, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err != nil {
		return 0, fmt.Errorf("cache: %w: read schema_version: %w", storageerr.ErrIOError, err)
	}
	return version, nil
}

// RebuildDerivedTables truncates every cache table rebuildable from CRDT
// state (notes, notes_fts, folders), leaving user-authored tables (tags,
// note_tags, note_links, storage_dirs, app_state) untouched.
func RebuildDerivedTables(db *sqlx.DB) error {
	stmts := []string{
		`DELETE FROM notes_fts`,
		`DELETE FROM notes`,
		`DELETE FROM folders`,
	}
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("cache: %w: begin rebuild: %w", storageerr.ErrIOError, err)
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("cache: %w: rebuild: %s: %w", storageerr.ErrIOError, stmt, err)
		}
	}
	return tx.Commit()
}
