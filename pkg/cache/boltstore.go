// Package cache implements the local relational cache database: derived
// tables rebuildable from CRDT state, and user-authored tables that must
// survive a schema migration in place.
package cache

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
)

var (
	bucketNoteSyncState   = []byte("note_sync_state")
	bucketFolderSyncState = []byte("folder_sync_state")
	bucketActivityLog     = []byte("activity_log_state")
	bucketSequenceState   = []byte("sequence_state")
)

// BoltStore holds the non-relational cache rows: per-document snapshot
// blobs and per-device sync bookkeeping, one bucket per entity with
// JSON-marshaled records; library go.etcd.io/bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt file at
// <dataDir>/cache.bolt and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "cache.bolt")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: %w: open bolt store: %w", storageerr.ErrIOError, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNoteSyncState, bucketFolderSyncState, bucketActivityLog, bucketSequenceState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: %w: create buckets: %w", storageerr.ErrIOError, err)
	}

	return &BoltStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

type syncStateRow struct {
	VectorClock   types.VectorClock `json:"vectorClock"`
	DocumentState []byte            `json:"documentState"`
}

// ReadSnapshot implements document.CacheReader, dispatching to the
// note_sync_state or folder_sync_state bucket by document kind.
func (s *BoltStore) ReadSnapshot(sdID string, doc types.DocumentID) (types.VectorClock, []byte, bool, error) {
	bucket, key := syncStateLocation(sdID, doc)

	var row syncStateRow
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, nil, false, fmt.Errorf("cache: read snapshot: %w", err)
	}
	if !found {
		return nil, nil, false, nil
	}
	return row.VectorClock, row.DocumentState, true, nil
}

// WriteSnapshot implements document.CacheWriter.
func (s *BoltStore) WriteSnapshot(sdID string, doc types.DocumentID, vc types.VectorClock, state []byte) error {
	bucket, key := syncStateLocation(sdID, doc)

	data, err := json.Marshal(syncStateRow{VectorClock: vc, DocumentState: state})
	if err != nil {
		return fmt.Errorf("cache: marshal snapshot row: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func syncStateLocation(sdID string, doc types.DocumentID) ([]byte, []byte) {
	if doc.Kind == types.DocKindFolder {
		return bucketFolderSyncState, []byte(sdID)
	}
	return bucketNoteSyncState, []byte(sdID + "\x00" + doc.ID)
}

// ActivityLogCursor records how far LogSync has consumed one peer
// instance's log for one Storage Directory, surviving a process
// restart without requiring a full document reload.
type ActivityLogCursor struct {
	LastOffset uint64 `json:"lastOffset"`
	LogFile    string `json:"logFile"`
}

// PutActivityLogCursor persists the sync cursor for (sdId, instanceId).
func (s *BoltStore) PutActivityLogCursor(sdID, instanceID string, cursor ActivityLogCursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("cache: marshal activity log cursor: %w", err)
	}
	key := []byte(sdID + "\x00" + instanceID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActivityLog).Put(key, data)
	})
}

// GetActivityLogCursor returns the sync cursor for (sdId, instanceId), if
// recorded.
func (s *BoltStore) GetActivityLogCursor(sdID, instanceID string) (ActivityLogCursor, bool, error) {
	key := []byte(sdID + "\x00" + instanceID)
	var cursor ActivityLogCursor
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketActivityLog).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cursor)
	})
	if err != nil {
		return ActivityLogCursor{}, false, fmt.Errorf("cache: read activity log cursor: %w", err)
	}
	return cursor, found, nil
}

// SequenceState records this device's own write progress for one
// document, used at startup to detect a SequenceRegression before the
// first write is attempted.
type SequenceState struct {
	CurrentSequence uint32 `json:"currentSequence"`
	CurrentFile     string `json:"currentFile"`
	CurrentOffset   uint64 `json:"currentOffset"`
}

// PutSequenceState persists the local write cursor for (sdId, docId).
func (s *BoltStore) PutSequenceState(sdID string, doc types.DocumentID, state SequenceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("cache: marshal sequence state: %w", err)
	}
	key := []byte(sdID + "\x00" + doc.String())
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSequenceState).Put(key, data)
	})
}

// GetSequenceState returns the local write cursor for (sdId, docId), if
// recorded.
func (s *BoltStore) GetSequenceState(sdID string, doc types.DocumentID) (SequenceState, bool, error) {
	key := []byte(sdID + "\x00" + doc.String())
	var state SequenceState
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSequenceState).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return SequenceState{}, false, fmt.Errorf("cache: read sequence state: %w", err)
	}
	return state, found, nil
}
