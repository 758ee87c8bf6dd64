// Package document implements the Document Manager: one instance per
// document kind (note, folder-tree), owning every loaded document's CRDT
// handle, vector clock, and LogWriter.
package document

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/notecove/storage/pkg/cache"
	"github.com/notecove/storage/pkg/crdt"
	"github.com/notecove/storage/pkg/log"
	"github.com/notecove/storage/pkg/snapshot"
	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
	"github.com/notecove/storage/pkg/walstore"
)

// Factory builds an empty CRDT document for one kind, authored locally by
// instanceID: crdt.NewTextDoc for notes, crdt.NewMapDoc for folder trees.
type Factory func(instanceID string) crdt.Doc

// CacheReader is the subset of the local cache the Document Manager
// consults for the cache-first fast path (loadFromCache).
type CacheReader interface {
	ReadSnapshot(sdID string, doc types.DocumentID) (vc types.VectorClock, state []byte, ok bool, err error)
}

// CacheWriter is the write-side counterpart, used by saveDbSnapshot.
type CacheWriter interface {
	WriteSnapshot(sdID string, doc types.DocumentID, vc types.VectorClock, state []byte) error
}

// SequenceStore persists this device's own write progress per document,
// consulted when attaching a writer to detect a SequenceRegression
// before the first write of a process run is attempted.
type SequenceStore interface {
	GetSequenceState(sdID string, doc types.DocumentID) (cache.SequenceState, bool, error)
	PutSequenceState(sdID string, doc types.DocumentID, state cache.SequenceState) error
}

// Phase is the loaded-document state machine.
type Phase int

const (
	PhaseNotLoaded Phase = iota
	PhaseLoading
	PhaseLoaded
	PhaseDirty
	PhaseSnapshotting
	PhaseUnloaded
)

// State is one loaded document.
type State struct {
	mu sync.Mutex

	ID    types.DocumentID
	SDID  string
	Dir   string
	Doc   crdt.Doc
	Clock types.VectorClock
	Phase Phase

	writer  *walstore.Writer
	device  types.DeviceID
	nextSeq uint32
	seq     SequenceStore
}

// Value exposes the CRDT handle for callers that need the concrete type
// (e.g. rendering a note's text or a folder tree's entries).
func (st *State) Value() crdt.Doc {
	return st.Doc
}

// SaveUpdate assigns the next sequence for this device on this document,
// appends the framed record, and advances the in-memory vector clock
// entry for this device.
func (st *State) SaveUpdate(payload []byte) (types.VectorClockEntry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.nextSeq++
	entry, err := st.writer.AppendRecord(time.Now().UnixMilli(), st.nextSeq, payload)
	if err != nil {
		st.nextSeq--
		return types.VectorClockEntry{}, fmt.Errorf("document: save update: %w", err)
	}
	st.Clock[st.device.InstanceID] = entry
	st.Phase = PhaseDirty

	if st.seq != nil {
		state := cache.SequenceState{CurrentSequence: entry.Sequence, CurrentFile: entry.File, CurrentOffset: entry.Offset}
		if err := st.seq.PutSequenceState(st.SDID, st.ID, state); err != nil {
			log.WithComponent("document").Warn().Err(err).Str("doc_id", st.ID.String()).Msg("persist sequence state")
		}
	}
	return entry, nil
}

// ApplyRemoteRecord merges one record read from a peer instance's log
// (LogSync's job) and advances that instance's vector clock entry.
// CRDT apply is idempotent, so a regressed or repeated sequence is
// harmless; Advance refuses to move the clock backward regardless.
func (st *State) ApplyRemoteRecord(instanceID, filename string, rec types.LogRecord) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.Doc.ApplyUpdate(rec.Payload); err != nil {
		return fmt.Errorf("document: apply remote record: %w", err)
	}
	st.Clock.Advance(instanceID, types.VectorClockEntry{
		Sequence: rec.Sequence,
		Offset:   rec.NextOffset(),
		File:     filename,
	})
	st.Phase = PhaseDirty
	return nil
}

// SaveDbSnapshot writes the current CRDT state to the local cache as a
// fast-load optimization. Never authoritative.
func (st *State) SaveDbSnapshot(cache CacheWriter) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.Phase = PhaseSnapshotting
	defer func() { st.Phase = PhaseLoaded }()

	state, err := st.Doc.EncodeStateAsUpdate()
	if err != nil {
		return fmt.Errorf("document: encode state for db snapshot: %w", err)
	}
	return cache.WriteSnapshot(st.SDID, st.ID, st.Clock.Clone(), state)
}

// SaveFileSnapshot writes a complete two-phase snapshot file to dir.
// compress selects the zstd-compressed .snapshot.zst variant.
func (st *State) SaveFileSnapshot(compress bool) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.Phase = PhaseSnapshotting
	defer func() { st.Phase = PhaseLoaded }()

	state, err := st.Doc.EncodeStateAsUpdate()
	if err != nil {
		return "", fmt.Errorf("document: encode state for file snapshot: %w", err)
	}
	return snapshot.Write(st.Dir, st.device, st.Clock.Clone(), state, compress)
}

// Finalize releases this document's LogWriter handle.
func (st *State) Finalize() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Phase = PhaseUnloaded
	return st.writer.Finalize()
}

// Manager owns every loaded document of one kind.
type Manager struct {
	kind    types.DocKind
	device  types.DeviceID
	factory Factory
	cache   CacheReader
	seq     SequenceStore

	mu   sync.Mutex
	docs map[string]*State
}

// NewManager creates a Manager for one document kind. cache may be nil,
// in which case LoadFromCache always reports a miss. seq may be nil, in
// which case SequenceRegression detection is skipped.
func NewManager(kind types.DocKind, device types.DeviceID, factory Factory, cache CacheReader, seq SequenceStore) *Manager {
	return &Manager{
		kind:    kind,
		device:  device,
		factory: factory,
		cache:   cache,
		seq:     seq,
		docs:    make(map[string]*State),
	}
}

func docKey(sdID string, docID types.DocumentID) string {
	return sdID + "\x00" + docID.String()
}

// Get returns an already-loaded document, if any.
func (m *Manager) Get(sdID string, docID types.DocumentID) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.docs[docKey(sdID, docID)]
	return st, ok
}

// LoadFromCache implements the cache-first fast path: a cache hit still
// tails the log directory for anything newer than the cached vector
// clock before returning.
func (m *Manager) LoadFromCache(sdID string, docID types.DocumentID, dir string) (*State, bool, error) {
	if m.cache == nil {
		return nil, false, nil
	}
	vc, state, ok, err := m.cache.ReadSnapshot(sdID, docID)
	if err != nil {
		return nil, false, fmt.Errorf("document: read cache row: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	doc := m.factory(m.device.InstanceID)
	if len(state) > 0 {
		if err := doc.ApplyUpdate(state); err != nil {
			return nil, false, fmt.Errorf("document: apply cached state: %w", err)
		}
	}

	st := &State{ID: docID, SDID: sdID, Dir: dir, Doc: doc, Clock: vc.Clone(), Phase: PhaseLoading, device: m.device, seq: m.seq}
	tailNewerRecords(st, dir)
	if err := attachWriter(st); err != nil {
		return nil, false, err
	}
	st.Phase = PhaseLoaded

	m.mu.Lock()
	m.docs[docKey(sdID, docID)] = st
	m.mu.Unlock()
	return st, true, nil
}

// LoadFromFiles implements the full-path load: best complete snapshot (if
// any), then every log file tailed from its recorded offset.
func (m *Manager) LoadFromFiles(sdID string, docID types.DocumentID, dir string) (*State, error) {
	doc := m.factory(m.device.InstanceID)
	vc := types.VectorClock{}

	snapVC, snapState, _, err := snapshot.FindBest(dir)
	switch {
	case err == nil:
		if err := doc.ApplyUpdate(snapState); err != nil {
			return nil, fmt.Errorf("document: apply snapshot state: %w", err)
		}
		vc = snapVC.Clone()
	case errors.Is(err, storageerr.ErrNotFound):
		// No snapshot yet: reconstruct purely from the logs.
	default:
		return nil, fmt.Errorf("document: select snapshot: %w", err)
	}

	st := &State{ID: docID, SDID: sdID, Dir: dir, Doc: doc, Clock: vc, Phase: PhaseLoading, device: m.device, seq: m.seq}
	tailNewerRecords(st, dir)
	if err := attachWriter(st); err != nil {
		return nil, err
	}
	st.Phase = PhaseLoaded

	m.mu.Lock()
	m.docs[docKey(sdID, docID)] = st
	m.mu.Unlock()
	return st, nil
}

// Unload finalizes and forgets a document, for LRU eviction or shutdown.
func (m *Manager) Unload(sdID string, docID types.DocumentID) error {
	m.mu.Lock()
	st, ok := m.docs[docKey(sdID, docID)]
	if ok {
		delete(m.docs, docKey(sdID, docID))
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return st.Finalize()
}

// All returns every currently loaded document, for shutdown/metrics.
func (m *Manager) All() []*State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*State, 0, len(m.docs))
	for _, st := range m.docs {
		out = append(out, st)
	}
	return out
}

// Count reports how many documents of this kind are currently loaded.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// tailNewerRecords implements the vector-clock advancement algorithm. A
// structural read error is logged and otherwise swallowed: the
// vector-clock advance already accumulated for that file is kept, and
// the next file is tried (the partial-sync edge case).
func tailNewerRecords(st *State, dir string) {
	logger := log.WithComponent("document")

	files, err := walstore.ListLogFiles(dir)
	if err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("list log files")
		return
	}

	for _, f := range files {
		existing, hasExisting := st.Clock[f.InstanceID]

		var start uint64
		switch {
		case hasExisting && existing.File == f.Filename:
			start = existing.Offset
		case hasExisting && f.Filename <= existing.File:
			continue
		default:
			start = 0
		}

		records, readErr := walstore.ReadRecords(f.Path, start)
		if readErr != nil {
			logger.Warn().Err(readErr).Str("file", f.Filename).Msg("partial read while loading document")
		}

		baseline := uint32(0)
		if hasExisting {
			baseline = existing.Sequence
		}

		var lastSeq uint32
		var lastOff uint64
		advanced := false
		for _, rec := range records {
			if rec.Sequence <= baseline {
				continue
			}
			if err := st.Doc.ApplyUpdate(rec.Payload); err != nil {
				logger.Warn().Err(err).Str("file", f.Filename).Uint32("sequence", rec.Sequence).Msg("apply update during load")
				continue
			}
			lastSeq = rec.Sequence
			lastOff = rec.NextOffset()
			advanced = true
		}
		if advanced {
			st.Clock[f.InstanceID] = types.VectorClockEntry{Sequence: lastSeq, Offset: lastOff, File: f.Filename}
		}

		if f.InstanceID == st.device.InstanceID {
			st.nextSeq = st.Clock[st.device.InstanceID].Sequence
		}
	}
}

// attachWriter opens this device's LogWriter for the document, resuming
// its own active file and seeding nextSeq from the vector clock: writing
// from a lower sequence is forbidden. Before enabling writes, it checks
// the persisted sequence_state row, if any: a persisted sequence higher
// than what the reconstructed vector clock shows means this device's own
// log history is missing or stale relative to what it previously wrote,
// and continued writes are refused until an operator investigates.
func attachWriter(st *State) error {
	w, err := walstore.NewWriter(st.Dir, st.device, 0)
	if err != nil {
		return fmt.Errorf("document: open writer: %w", err)
	}
	st.writer = w
	if entry, ok := st.Clock[st.device.InstanceID]; ok {
		st.nextSeq = entry.Sequence
	}

	if st.seq == nil {
		return nil
	}
	persisted, ok, err := st.seq.GetSequenceState(st.SDID, st.ID)
	if err != nil {
		return fmt.Errorf("document: read sequence state: %w", err)
	}
	if ok && persisted.CurrentSequence > st.nextSeq {
		return fmt.Errorf("document: %w: persisted sequence %d for %s exceeds reconstructed sequence %d",
			storageerr.ErrSequenceRegression, persisted.CurrentSequence, st.ID, st.nextSeq)
	}
	return nil
}
