package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/notecove/storage/pkg/types"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// legacyEnvelope mirrors the v1 JSON wire format exactly:
// {version, noteId, timestamp, totalChanges, documentState: number[],
// maxSequences: {instanceId -> sequence}}. documentState is encoded as a
// JSON array of byte values rather than base64, and maxSequences carries
// only the highest sequence seen per instance (no offset or filename),
// so the legacy format cannot express a full vector clock on its own;
// offset and filename are left zero so the caller's subsequent log tail
// rebuilds them.
type legacyEnvelope struct {
	Version       int            `json:"version"`
	NoteID        string         `json:"noteId"`
	Timestamp     int64          `json:"timestamp"`
	TotalChanges  int            `json:"totalChanges"`
	DocumentState []int          `json:"documentState"`
	MaxSequences  map[string]int `json:"maxSequences"`
}

// decodeLegacy reads a v1 snapshot file: JSON, optionally zstd-compressed
// as a whole (detected via the zstd frame magic). Kept for read
// compatibility with snapshots written before the v2 binary format.
func decodeLegacy(buf []byte) (types.VectorClock, []byte, error) {
	if bytes.HasPrefix(buf, zstdMagic) {
		raw, err := decompressZstd(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: zstd decompress legacy snapshot: %w", err)
		}
		buf = raw
	}

	var env legacyEnvelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, nil, fmt.Errorf("snapshot: decode legacy snapshot: %w", err)
	}

	vc := make(types.VectorClock, len(env.MaxSequences))
	for instanceID, seq := range env.MaxSequences {
		vc[instanceID] = types.VectorClockEntry{
			Sequence: uint32(seq),
		}
	}

	state := make([]byte, len(env.DocumentState))
	for i, b := range env.DocumentState {
		state[i] = byte(b)
	}

	return vc, state, nil
}
