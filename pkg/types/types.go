// Package types holds the domain types shared across the storage
// directory engine: device identity, document identity, and the vector
// clock that drives multi-writer reconciliation.
package types

import "fmt"

// DeviceID is the (ProfileId, InstanceId) pair that identifies the sole
// writer of a set of log files. ProfileId is stable per user account;
// InstanceId is stable per installation. Both are opaque 22- or
// 36-character identifiers.
type DeviceID struct {
	ProfileID  string
	InstanceID string
}

// String renders the canonical "<profile>_<instance>" form used in
// current-format filenames.
func (d DeviceID) String() string {
	return fmt.Sprintf("%s_%s", d.ProfileID, d.InstanceID)
}

// DocKind distinguishes the two document kinds the engine manages.
type DocKind string

const (
	DocKindNote   DocKind = "note"
	DocKindFolder DocKind = "folder-tree"
)

// DocumentID names a document within a Storage Directory. For
// DocKindNote, ID is the NoteId; for DocKindFolder, ID is the SdId (one
// folder tree per SD).
type DocumentID struct {
	Kind DocKind
	ID   string
}

func (d DocumentID) String() string {
	return fmt.Sprintf("%s/%s", d.Kind, d.ID)
}

// VectorClockEntry records how far this process has consumed one peer
// instance's log: every record up to and including Sequence, ending at
// byte Offset in File.
type VectorClockEntry struct {
	Sequence uint32
	Offset   uint64
	File     string
}

// VectorClock maps an InstanceId to the furthest point this process has
// consumed in that instance's log, per document. Entries only ever
// advance forward: Sequence is non-decreasing for a given key over the
// document's lifetime, and Offset is non-decreasing while File stays the
// same.
type VectorClock map[string]VectorClockEntry

// Clone returns an independent copy so callers can mutate the result
// without racing a Document Manager's own in-memory clock.
func (vc VectorClock) Clone() VectorClock {
	if vc == nil {
		return nil
	}
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// TotalSequence sums Sequence across every entry, the metric
// SnapshotReader.findBestSnapshot uses to rank candidate snapshots.
func (vc VectorClock) TotalSequence() uint64 {
	var total uint64
	for _, e := range vc {
		total += uint64(e.Sequence)
	}
	return total
}

// Advance merges a newly observed entry for instanceID into vc,
// refusing to move Sequence backward for that key, or Offset backward
// within the same File.
func (vc VectorClock) Advance(instanceID string, entry VectorClockEntry) {
	existing, ok := vc[instanceID]
	if ok {
		if entry.Sequence < existing.Sequence {
			entry.Sequence = existing.Sequence
		}
		if entry.File == existing.File && entry.Offset < existing.Offset {
			entry.Offset = existing.Offset
		}
	}
	vc[instanceID] = entry
}

// LogRecord is one decoded frame from a log file: a timestamped,
// sequenced, checksummed CRDT payload.
type LogRecord struct {
	Timestamp int64 // millis since epoch
	Sequence  uint32
	Offset    uint64 // byte offset of the frame's first byte
	Length    uint64 // total framed length, for computing the next offset
	Payload   []byte
}

// NextOffset is the byte offset immediately following this record's
// frame, the value a vector clock entry should record as Offset.
func (r LogRecord) NextOffset() uint64 {
	return r.Offset + r.Length
}
