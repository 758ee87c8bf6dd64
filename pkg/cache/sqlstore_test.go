package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertAndGetNote(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	n := Note{ID: "note-1", Title: "Shopping list", SDID: "sd-1", Created: 1, Modified: 1, ContentText: "milk eggs"}
	require.NoError(t, store.UpsertNote(n))

	got, err := store.GetNote("note-1")
	require.NoError(t, err)
	require.Equal(t, "Shopping list", got.Title)
	require.Equal(t, "milk eggs", got.ContentText)
}

func TestUpsertNoteIsIdempotent(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	n := Note{ID: "note-1", Title: "v1", SDID: "sd-1", Created: 1, Modified: 1}
	require.NoError(t, store.UpsertNote(n))
	n.Title = "v2"
	n.Modified = 2
	require.NoError(t, store.UpsertNote(n))

	got, err := store.GetNote("note-1")
	require.NoError(t, err)
	require.Equal(t, "v2", got.Title)
	require.Equal(t, int64(2), got.Modified)
}

func TestListNotesExcludesDeleted(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertNote(Note{ID: "note-1", SDID: "sd-1", Created: 1, Modified: 2}))
	require.NoError(t, store.UpsertNote(Note{ID: "note-2", SDID: "sd-1", Created: 1, Modified: 1, Deleted: true}))

	notes, err := store.ListNotes("sd-1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "note-1", notes[0].ID)
}

func TestSearchNotesMatchesFullText(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertNote(Note{ID: "note-1", SDID: "sd-1", Title: "Groceries", ContentText: "buy milk and eggs", Created: 1, Modified: 1}))
	require.NoError(t, store.UpsertNote(Note{ID: "note-2", SDID: "sd-1", Title: "Recipes", ContentText: "pancake batter", Created: 1, Modified: 1}))

	results, err := store.SearchNotes("sd-1", "milk")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "note-1", results[0].ID)
}

func TestDeleteNoteCascadesToTagsAndLinks(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertNote(Note{ID: "note-1", SDID: "sd-1", Created: 1, Modified: 1}))
	require.NoError(t, store.UpsertNote(Note{ID: "note-2", SDID: "sd-1", Created: 1, Modified: 1}))
	require.NoError(t, store.SetTags("note-1", []string{"work"}))
	_, err = store.db.Exec(`INSERT INTO note_links (source_note_id, target_note_id) VALUES (?, ?)`, "note-1", "note-2")
	require.NoError(t, err)

	require.NoError(t, store.DeleteNote("note-1"))

	var tagCount, linkCount int
	require.NoError(t, store.db.Get(&tagCount, `SELECT COUNT(1) FROM note_tags WHERE note_id = ?`, "note-1"))
	require.NoError(t, store.db.Get(&linkCount, `SELECT COUNT(1) FROM note_links WHERE source_note_id = ?`, "note-1"))
	require.Equal(t, 0, tagCount)
	require.Equal(t, 0, linkCount)
}

func TestSetTagsIsCaseInsensitiveOnName(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertNote(Note{ID: "note-1", SDID: "sd-1", Created: 1, Modified: 1}))
	require.NoError(t, store.SetTags("note-1", []string{"Work"}))

	require.NoError(t, store.UpsertNote(Note{ID: "note-2", SDID: "sd-1", Created: 1, Modified: 1}))
	require.NoError(t, store.SetTags("note-2", []string{"work"}))

	var tagCount int
	require.NoError(t, store.db.Get(&tagCount, `SELECT COUNT(1) FROM tags`))
	require.Equal(t, 1, tagCount)
}

func TestAppStateRoundTrips(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.AppState("missing")
	require.Error(t, err)

	require.NoError(t, store.SetAppState("last_opened_note", `"note-1"`))
	value, err := store.AppState("last_opened_note")
	require.NoError(t, err)
	require.Equal(t, `"note-1"`, value)
}

func TestExistsReflectsNonDeletedNotes(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.False(t, store.Exists("note-1"))
	require.NoError(t, store.UpsertNote(Note{ID: "note-1", SDID: "sd-1", Created: 1, Modified: 1}))
	require.True(t, store.Exists("note-1"))
}

func TestRebuildClearsDerivedTablesOnly(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpsertNote(Note{ID: "note-1", SDID: "sd-1", Created: 1, Modified: 1}))
	require.NoError(t, store.SetTags("note-1", []string{"kept"}))

	require.NoError(t, store.Rebuild(nil))

	notes, err := store.ListNotes("sd-1")
	require.NoError(t, err)
	require.Empty(t, notes)

	var tagCount int
	require.NoError(t, store.db.Get(&tagCount, `SELECT COUNT(1) FROM tags`))
	require.Equal(t, 1, tagCount)
}

func TestMigrateIsIdempotent(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, Migrate(store.db))

	var version int
	require.NoError(t, store.db.Get(&version, `SELECT MAX(version) FROM schema_version`))
	require.Equal(t, SchemaVersion, version)
}

func TestRegisterStorageDirIsUpsert(t *testing.T) {
	store, err := OpenSQLStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RegisterStorageDir(StorageDir{ID: "sd-1", Name: "Personal", Path: "/a", Created: 1, IsActive: true}))
	require.NoError(t, store.RegisterStorageDir(StorageDir{ID: "sd-1", Name: "Personal (renamed)", Path: "/a", Created: 1, IsActive: true}))

	dirs, err := store.ListStorageDirs()
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	require.Equal(t, "Personal (renamed)", dirs[0].Name)
}
