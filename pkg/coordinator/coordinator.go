// Package coordinator implements the append-log coordinator: the
// top-level object a running process holds, composing and dispatching to
// one Document Manager per document kind (notes and the folder tree).
package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/notecove/storage/pkg/crdt"
	"github.com/notecove/storage/pkg/document"
	"github.com/notecove/storage/pkg/events"
	"github.com/notecove/storage/pkg/log"
	"github.com/notecove/storage/pkg/metrics"
	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
)

const (
	notesSubdir  = "notes"
	folderSubdir = "folder"
)

// Coordinator owns every registered Storage Directory and dispatches
// reads and writes to the Document Manager responsible for each
// document. One Coordinator exists per running process, scoped to one
// device identity.
type Coordinator struct {
	device types.DeviceID

	mu  sync.RWMutex
	sds map[string]string // sdId -> filesystem path

	notes   *document.Manager
	folders *document.Manager

	events           *events.Broker
	snapshotCompress bool
}

// SetSnapshotCompress toggles whether subsequent SaveNoteSnapshot/
// SaveFolderSnapshot calls write the zstd-compressed .snapshot.zst
// variant instead of the plain v2 format. Defaults to false.
func (c *Coordinator) SetSnapshotCompress(compress bool) {
	c.snapshotCompress = compress
}

// New creates a Coordinator for device, optionally backed by a local
// cache for the fast load path and sequence-regression detection. cache
// may be nil. A non-nil cache that also implements document.SequenceStore
// (cache.BoltStore does) is wired in for both roles. The returned
// Coordinator owns an events.Broker (cmd/sdctl serve's event logger
// subscribes to it) and starts it immediately; callers stop it via
// Shutdown.
func New(device types.DeviceID, cache document.CacheReader) *Coordinator {
	broker := events.NewBroker()
	broker.Start()

	var seq document.SequenceStore
	if s, ok := cache.(document.SequenceStore); ok {
		seq = s
	}

	return &Coordinator{
		device:  device,
		sds:     make(map[string]string),
		notes:   document.NewManager(types.DocKindNote, device, func(instanceID string) crdt.Doc { return crdt.NewTextDoc(instanceID) }, cache, seq),
		folders: document.NewManager(types.DocKindFolder, device, func(instanceID string) crdt.Doc { return crdt.NewMapDoc(instanceID) }, cache, seq),
		events:  broker,
	}
}

// Events exposes the Coordinator's event broker so a projection (the
// relational cache rebuild) or an observer (logging, sdctl status) can
// subscribe without the Coordinator depending on its consumers.
func (c *Coordinator) Events() *events.Broker {
	return c.events
}

// RegisterSd registers a Storage Directory at path, creating it if
// absent. Re-registering an already-known sdId is a no-op if the path
// matches, and an error otherwise (a path change requires unregistering
// first).
func (c *Coordinator) RegisterSd(sdID, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sds[sdID]; ok {
		if existing == path {
			return nil
		}
		return fmt.Errorf("coordinator: sd %s already registered at %s", sdID, existing)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("coordinator: %w: create sd dir: %w", storageerr.ErrIOError, err)
	}
	c.sds[sdID] = path
	log.WithStorageDirID(sdID).Info().Str("path", path).Msg("storage directory registered")
	c.events.Publish(&events.Event{
		Type:     events.EventStorageDirRegistered,
		Metadata: map[string]string{"sd_id": sdID, "path": path},
	})
	return nil
}

// UnregisterSd finalizes every loaded document belonging to sdId and
// forgets its registration. The files on disk are left untouched.
func (c *Coordinator) UnregisterSd(sdID string) error {
	c.mu.Lock()
	_, ok := c.sds[sdID]
	delete(c.sds, sdID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	var firstErr error
	for _, st := range c.notes.All() {
		if st.SDID != sdID {
			continue
		}
		if err := c.notes.Unload(sdID, st.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, st := range c.folders.All() {
		if st.SDID != sdID {
			continue
		}
		if err := c.folders.Unload(sdID, st.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.events.Publish(&events.Event{
		Type:     events.EventStorageDirUnregistered,
		Metadata: map[string]string{"sd_id": sdID},
	})
	return firstErr
}

func (c *Coordinator) sdPath(sdID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path, ok := c.sds[sdID]
	if !ok {
		return "", fmt.Errorf("coordinator: %w: sd %s not registered", storageerr.ErrNotFound, sdID)
	}
	return path, nil
}

func noteDir(sdPath, noteID string) string {
	return filepath.Join(sdPath, notesSubdir, noteID)
}

func folderDir(sdPath string) string {
	return filepath.Join(sdPath, folderSubdir)
}

// LoadNote returns the note document for (sdId, noteId), trying the
// cache first and falling back to reconstructing from the log and
// snapshot files.
func (c *Coordinator) LoadNote(sdID, noteID string) (*document.State, error) {
	docID := types.DocumentID{Kind: types.DocKindNote, ID: noteID}
	if st, ok := c.notes.Get(sdID, docID); ok {
		return st, nil
	}
	sdPath, err := c.sdPath(sdID)
	if err != nil {
		return nil, err
	}
	dir := noteDir(sdPath, noteID)

	if st, hit, err := c.notes.LoadFromCache(sdID, docID, dir); err != nil {
		return nil, err
	} else if hit {
		return st, nil
	}
	return c.notes.LoadFromFiles(sdID, docID, dir)
}

// LoadFolderTree returns the folder-tree document for sdId. There is
// exactly one per Storage Directory.
func (c *Coordinator) LoadFolderTree(sdID string) (*document.State, error) {
	docID := types.DocumentID{Kind: types.DocKindFolder, ID: sdID}
	if st, ok := c.folders.Get(sdID, docID); ok {
		return st, nil
	}
	sdPath, err := c.sdPath(sdID)
	if err != nil {
		return nil, err
	}
	dir := folderDir(sdPath)

	if st, hit, err := c.folders.LoadFromCache(sdID, docID, dir); err != nil {
		return nil, err
	} else if hit {
		return st, nil
	}
	return c.folders.LoadFromFiles(sdID, docID, dir)
}

// WriteNoteUpdate appends an already-encoded CRDT update for noteId to
// this device's log, loading the document first if needed. Returns the
// sequence number assigned to the appended record. A returned error
// means the update was not durably written; a nil error guarantees it is
// on disk (barring OS-level corruption).
func (c *Coordinator) WriteNoteUpdate(sdID, noteID string, payload []byte) (uint32, error) {
	st, err := c.LoadNote(sdID, noteID)
	if err != nil {
		return 0, err
	}
	entry, err := st.SaveUpdate(payload)
	if err != nil {
		return 0, err
	}
	metrics.RecordsAppendedTotal.WithLabelValues(string(types.DocKindNote)).Inc()
	c.events.Publish(&events.Event{
		Type:     events.EventDocumentUpdated,
		Metadata: map[string]string{"sd_id": sdID, "doc_id": noteID, "kind": string(types.DocKindNote)},
	})
	return entry.Sequence, nil
}

// WriteFolderUpdate appends an already-encoded CRDT update to sdId's
// folder-tree log and returns the assigned sequence number.
func (c *Coordinator) WriteFolderUpdate(sdID string, payload []byte) (uint32, error) {
	st, err := c.LoadFolderTree(sdID)
	if err != nil {
		return 0, err
	}
	entry, err := st.SaveUpdate(payload)
	if err != nil {
		return 0, err
	}
	metrics.RecordsAppendedTotal.WithLabelValues(string(types.DocKindFolder)).Inc()
	c.events.Publish(&events.Event{
		Type:     events.EventDocumentUpdated,
		Metadata: map[string]string{"sd_id": sdID, "doc_id": sdID, "kind": string(types.DocKindFolder)},
	})
	return entry.Sequence, nil
}

// SaveNoteSnapshot writes both a file snapshot and, if cache is
// available, a cache-row snapshot for noteId.
func (c *Coordinator) SaveNoteSnapshot(sdID, noteID string, cache document.CacheWriter) error {
	docID := types.DocumentID{Kind: types.DocKindNote, ID: noteID}
	st, ok := c.notes.Get(sdID, docID)
	if !ok {
		return fmt.Errorf("coordinator: %w: note %s not loaded", storageerr.ErrNotFound, noteID)
	}
	if err := saveSnapshot(st, cache, c.snapshotCompress); err != nil {
		return err
	}
	c.events.Publish(&events.Event{
		Type:     events.EventSnapshotWritten,
		Metadata: map[string]string{"sd_id": sdID, "doc_id": noteID, "kind": string(types.DocKindNote)},
	})
	return nil
}

// SaveFolderSnapshot writes both a file snapshot and, if cache is
// available, a cache-row snapshot for sdId's folder tree.
func (c *Coordinator) SaveFolderSnapshot(sdID string, cache document.CacheWriter) error {
	docID := types.DocumentID{Kind: types.DocKindFolder, ID: sdID}
	st, ok := c.folders.Get(sdID, docID)
	if !ok {
		return fmt.Errorf("coordinator: %w: folder tree not loaded for sd %s", storageerr.ErrNotFound, sdID)
	}
	if err := saveSnapshot(st, cache, c.snapshotCompress); err != nil {
		return err
	}
	c.events.Publish(&events.Event{
		Type:     events.EventSnapshotWritten,
		Metadata: map[string]string{"sd_id": sdID, "doc_id": sdID, "kind": string(types.DocKindFolder)},
	})
	return nil
}

func saveSnapshot(st *document.State, cache document.CacheWriter, compress bool) error {
	timer := metrics.NewTimer()
	if _, err := st.SaveFileSnapshot(compress); err != nil {
		return fmt.Errorf("coordinator: save file snapshot: %w", err)
	}
	timer.ObserveDuration(metrics.SnapshotWriteDuration)
	metrics.SnapshotsWrittenTotal.WithLabelValues("file").Inc()

	if cache != nil {
		if err := st.SaveDbSnapshot(cache); err != nil {
			return fmt.Errorf("coordinator: save db snapshot: %w", err)
		}
		metrics.SnapshotsWrittenTotal.WithLabelValues("db").Inc()
	}
	return nil
}

// Shutdown finalizes every loaded document's LogWriter across every
// registered Storage Directory. Safe to call once; not idempotent.
func (c *Coordinator) Shutdown() error {
	var firstErr error
	for _, st := range c.notes.All() {
		if err := st.Finalize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, st := range c.folders.All() {
		if err := st.Finalize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.events.Stop()
	return firstErr
}

// StorageDirCount implements metrics.StatsProvider.
func (c *Coordinator) StorageDirCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sds)
}

// DocumentsLoadedByKind implements metrics.StatsProvider.
func (c *Coordinator) DocumentsLoadedByKind() map[string]int {
	return map[string]int{
		string(types.DocKindNote):   c.notes.Count(),
		string(types.DocKindFolder): c.folders.Count(),
	}
}

// NoteDir and FolderDir expose the on-disk layout convention to sibling
// packages (LogSync, the deletion log) that need to locate a document's
// directory without duplicating the naming scheme.
func (c *Coordinator) NoteDir(sdID, noteID string) (string, error) {
	sdPath, err := c.sdPath(sdID)
	if err != nil {
		return "", err
	}
	return noteDir(sdPath, noteID), nil
}

func (c *Coordinator) FolderDir(sdID string) (string, error) {
	sdPath, err := c.sdPath(sdID)
	if err != nil {
		return "", err
	}
	return folderDir(sdPath), nil
}

// RegisteredSds returns a snapshot of every registered sdId and its path.
func (c *Coordinator) RegisteredSds() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.sds))
	for k, v := range c.sds {
		out[k] = v
	}
	return out
}

// Notes exposes the note Document Manager for LogSync/deletion
// integration.
func (c *Coordinator) Notes() *document.Manager {
	return c.notes
}

// Folders exposes the folder-tree Document Manager for LogSync/deletion
// integration.
func (c *Coordinator) Folders() *document.Manager {
	return c.folders
}
