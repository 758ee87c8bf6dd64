package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/notecove/storage/pkg/log"
	"github.com/notecove/storage/pkg/metrics"
	"github.com/notecove/storage/pkg/storageerr"
)

// SQLStore is the relational half of the local cache: projections of
// CRDT documents plus the user-authored tag, link, and app-state tables.
// Uses an embedded, pure-Go relational store; libraries modernc.org/sqlite
// (driver) and github.com/jmoiron/sqlx (ergonomic scanning/binding over
// database/sql).
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQLStore opens (creating if absent) the SQLite database at
// <dataDir>/cache.sqlite and migrates it to SchemaVersion.
func OpenSQLStore(dataDir string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s/cache.sqlite?_pragma=foreign_keys(1)", dataDir)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: %w: open sqlite: %w", storageerr.ErrIOError, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, serialize via the pool

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// OpenSQLStoreReadOnly opens the SQLite database at <dataDir>/cache.sqlite
// without running migrations, for tools that only need to inspect the
// current schema_version (cmd/sdctl-migrate's -dry-run report).
func OpenSQLStoreReadOnly(dataDir string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s/cache.sqlite?mode=ro", dataDir)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: %w: open sqlite read-only: %w", storageerr.ErrIOError, err)
	}
	return &SQLStore{db: db}, nil
}

// CurrentSchemaVersion reports the schema version already applied to the
// database, without applying any pending migrations.
func (s *SQLStore) CurrentSchemaVersion() (int, error) {
	return currentVersion(s.db)
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Note is one row of the notes cache table.
type Note struct {
	ID             string `db:"id"`
	Title          string `db:"title"`
	SDID           string `db:"sd_id"`
	FolderID       *string `db:"folder_id"`
	Created        int64  `db:"created"`
	Modified       int64  `db:"modified"`
	Deleted        bool   `db:"deleted"`
	Pinned         bool   `db:"pinned"`
	ContentPreview string `db:"content_preview"`
	ContentText    string `db:"content_text"`
}

// UpsertNote projects a note's current rendered state into the cache,
// the write side of the note→cache projection contract.
func (s *SQLStore) UpsertNote(n Note) error {
	_, err := s.db.NamedExec(`
		INSERT INTO notes (id, title, sd_id, folder_id, created, modified, deleted, pinned, content_preview, content_text)
		VALUES (:id, :title, :sd_id, :folder_id, :created, :modified, :deleted, :pinned, :content_preview, :content_text)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, folder_id=excluded.folder_id, modified=excluded.modified,
			deleted=excluded.deleted, pinned=excluded.pinned,
			content_preview=excluded.content_preview, content_text=excluded.content_text
	`, n)
	if err != nil {
		return fmt.Errorf("cache: upsert note: %w", err)
	}
	return nil
}

// GetNote returns one note by id, or storageerr.ErrNotFound.
func (s *SQLStore) GetNote(id string) (Note, error) {
	var n Note
	err := s.db.Get(&n, `SELECT * FROM notes WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Note{}, storageerr.ErrNotFound
		}
		return Note{}, fmt.Errorf("cache: get note: %w", err)
	}
	return n, nil
}

// ListNotes returns every non-deleted note in an SD, most recently
// modified first.
func (s *SQLStore) ListNotes(sdID string) ([]Note, error) {
	var notes []Note
	err := s.db.Select(&notes, `SELECT * FROM notes WHERE sd_id = ? AND deleted = 0 ORDER BY modified DESC`, sdID)
	if err != nil {
		return nil, fmt.Errorf("cache: list notes: %w", err)
	}
	return notes, nil
}

// SearchNotes runs a full-text query over title and content_text.
func (s *SQLStore) SearchNotes(sdID, query string) ([]Note, error) {
	var notes []Note
	err := s.db.Select(&notes, `
		SELECT notes.* FROM notes
		JOIN notes_fts ON notes.rowid = notes_fts.rowid
		WHERE notes.sd_id = ? AND notes.deleted = 0 AND notes_fts MATCH ?
		ORDER BY rank
	`, sdID, query)
	if err != nil {
		return nil, fmt.Errorf("cache: search notes: %w", err)
	}
	return notes, nil
}

// DeleteNote marks a note as locally gone, cascading to note_tags and
// note_links via the foreign key ON DELETE CASCADE constraints, after
// which the row itself is removed.
func (s *SQLStore) DeleteNote(id string) error {
	if _, err := s.db.Exec(`DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("cache: delete note: %w", err)
	}
	return nil
}

// StorageDir is one row of the storage_dirs table: a Storage Directory
// this device knows about, independent of whether it is currently loaded.
type StorageDir struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	Path     string `db:"path"`
	UUID     string `db:"uuid"`
	Created  int64  `db:"created"`
	IsActive bool   `db:"is_active"`
}

// RegisterStorageDir records a Storage Directory's id, name and path in
// the storage_dirs table.
func (s *SQLStore) RegisterStorageDir(sd StorageDir) error {
	_, err := s.db.NamedExec(`
		INSERT INTO storage_dirs (id, name, path, uuid, created, is_active)
		VALUES (:id, :name, :path, :uuid, :created, :is_active)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, path=excluded.path, is_active=excluded.is_active
	`, sd)
	if err != nil {
		return fmt.Errorf("cache: register storage dir: %w", err)
	}
	return nil
}

// ListStorageDirs returns every known Storage Directory, active or not.
func (s *SQLStore) ListStorageDirs() ([]StorageDir, error) {
	var dirs []StorageDir
	if err := s.db.Select(&dirs, `SELECT * FROM storage_dirs ORDER BY created`); err != nil {
		return nil, fmt.Errorf("cache: list storage dirs: %w", err)
	}
	return dirs, nil
}

// Folder is one row of the folders cache table.
type Folder struct {
	ID       string  `db:"id"`
	Name     string  `db:"name"`
	ParentID *string `db:"parent_id"`
	SDID     string  `db:"sd_id"`
	Order    int     `db:"sort_order"`
	Deleted  bool    `db:"deleted"`
}

// UpsertFolder projects a folder tree node's current state into the
// cache.
func (s *SQLStore) UpsertFolder(f Folder) error {
	_, err := s.db.NamedExec(`
		INSERT INTO folders (id, name, parent_id, sd_id, sort_order, deleted)
		VALUES (:id, :name, :parent_id, :sd_id, :sort_order, :deleted)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, parent_id=excluded.parent_id,
			sort_order=excluded.sort_order, deleted=excluded.deleted
	`, f)
	if err != nil {
		return fmt.Errorf("cache: upsert folder: %w", err)
	}
	return nil
}

// ListFolders returns every non-deleted folder in an SD.
func (s *SQLStore) ListFolders(sdID string) ([]Folder, error) {
	var folders []Folder
	err := s.db.Select(&folders, `SELECT * FROM folders WHERE sd_id = ? AND deleted = 0 ORDER BY sort_order`, sdID)
	if err != nil {
		return nil, fmt.Errorf("cache: list folders: %w", err)
	}
	return folders, nil
}

// SetTags replaces a note's tag set in one transaction, inserting any
// tag name not already present (case-insensitively, per the tags
// table's UNIQUE(name_ci) constraint).
func (s *SQLStore) SetTags(noteID string, tagNames []string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("cache: %w: begin set tags: %w", storageerr.ErrIOError, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM note_tags WHERE note_id = ?`, noteID); err != nil {
		return fmt.Errorf("cache: clear note tags: %w", err)
	}

	for _, name := range tagNames {
		var tagID string
		err := tx.Get(&tagID, `SELECT id FROM tags WHERE lower(name) = lower(?)`, name)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("cache: look up tag %q: %w", name, err)
			}
			tagID = strings.ToLower(name) // deterministic id for a name never seen before
			if _, err := tx.Exec(`INSERT INTO tags (id, name) VALUES (?, ?) ON CONFLICT(name_ci) DO NOTHING`, tagID, name); err != nil {
				return fmt.Errorf("cache: insert tag %q: %w", name, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO note_tags (note_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, noteID, tagID); err != nil {
			return fmt.Errorf("cache: link tag %q: %w", name, err)
		}
	}

	return tx.Commit()
}

// AppState reads one app_state value, or storageerr.ErrNotFound.
func (s *SQLStore) AppState(key string) (string, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM app_state WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storageerr.ErrNotFound
		}
		return "", fmt.Errorf("cache: get app state: %w", err)
	}
	return value, nil
}

// SetAppState writes one app_state key/value pair, a user-authored table
// that must never be touched by a cache rebuild.
func (s *SQLStore) SetAppState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO app_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("cache: set app state: %w", err)
	}
	return nil
}

// Exists implements deletion.ExistenceChecker against the notes table,
// so a tombstone for a note already gone from the cache is skipped
// instead of being applied again.
func (s *SQLStore) Exists(documentID string) bool {
	var count int
	_ = s.db.Get(&count, `SELECT COUNT(1) FROM notes WHERE id = ? AND deleted = 0`, documentID)
	return count > 0
}

// Rebuild drops and repopulates every derived cache table, recording the
// cycle's duration. No code path in this module calls it, on a
// schema-version mismatch or from an sdctl command; it runs only when a
// caller invokes it directly. It never touches tags, note_tags,
// note_links, storage_dirs, or app_state.
func (s *SQLStore) Rebuild(project func(tx *sqlx.Tx) error) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CacheRebuildDuration)
		metrics.CacheRebuildsTotal.Inc()
	}()

	logger := log.WithComponent("cache")
	logger.Info().Msg("rebuilding derived cache tables")

	if err := RebuildDerivedTables(s.db); err != nil {
		return err
	}
	if project == nil {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("cache: %w: begin rebuild projection: %w", storageerr.ErrIOError, err)
	}
	if err := project(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("cache: rebuild projection: %w", err)
	}
	return tx.Commit()
}
