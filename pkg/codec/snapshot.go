package codec

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
)

// SnapshotMagic identifies a v2 snapshot file.
var SnapshotMagic = [4]byte{'N', 'C', 'S', 'S'}

// SnapshotVersion is the only v2 snapshot layout version this build
// understands.
const SnapshotVersion = 1

const (
	// StatusIncomplete marks a snapshot still being written; readers
	// must ignore it.
	StatusIncomplete byte = 0x00
	// StatusComplete marks a snapshot safe to read.
	StatusComplete byte = 0x01
)

// StatusOffset is the fixed byte offset of the status byte within a v2
// snapshot file: SnapshotWriter.write flips this byte in place from
// StatusIncomplete to StatusComplete as its last step.
const StatusOffset = 5

// snapshotFixedHeaderSize is magic(4) + version(1) + status(1) before the
// variable-length vector-clock section begins.
const snapshotFixedHeaderSize = 6

// Snapshot is a decoded v2 snapshot: a vector clock plus the opaque CRDT
// state captured at that clock.
type Snapshot struct {
	VectorClock   types.VectorClock
	DocumentState []byte
}

// EncodeSnapshot serializes a v2 snapshot with StatusIncomplete. Callers
// write the returned bytes, fsync, then flip the byte at StatusOffset to
// StatusComplete — see SnapshotWriter in pkg/snapshot.
func EncodeSnapshot(vc types.VectorClock, documentState []byte) ([]byte, error) {
	if len(vc) > 0xFFFF {
		return nil, fmt.Errorf("codec: vector clock has %d entries, exceeds u16 limit", len(vc))
	}

	instanceIDs := make([]string, 0, len(vc))
	for id := range vc {
		instanceIDs = append(instanceIDs, id)
	}
	sort.Strings(instanceIDs)

	var body []byte
	body = append(body, SnapshotMagic[:]...)
	body = append(body, SnapshotVersion)
	body = append(body, StatusIncomplete)

	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(instanceIDs)))
	body = append(body, countBuf[:]...)

	for _, id := range instanceIDs {
		entry := vc[id]
		body = appendLengthPrefixedString(body, id)

		var seqBuf [4]byte
		binary.LittleEndian.PutUint32(seqBuf[:], entry.Sequence)
		body = append(body, seqBuf[:]...)

		var offBuf [8]byte
		binary.LittleEndian.PutUint64(offBuf[:], entry.Offset)
		body = append(body, offBuf[:]...)

		body = appendLengthPrefixedString(body, entry.File)
	}

	var payloadLenBuf [4]byte
	binary.LittleEndian.PutUint32(payloadLenBuf[:], uint32(len(documentState)))
	body = append(body, payloadLenBuf[:]...)
	body = append(body, documentState...)

	return body, nil
}

func appendLengthPrefixedString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func readLengthPrefixedString(buf []byte, offset int) (string, int, error) {
	if offset+2 > len(buf) {
		return "", 0, fmt.Errorf("codec: %w: truncated string length", storageerr.ErrTorn)
	}
	length := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
	offset += 2
	if offset+length > len(buf) {
		return "", 0, fmt.Errorf("codec: %w: truncated string body", storageerr.ErrTorn)
	}
	return string(buf[offset : offset+length]), offset + length, nil
}

// DecodeSnapshot parses a full v2 snapshot body (magic through payload).
// It does not itself enforce the status byte; SnapshotReader does that so
// it can return ErrIncompleteSnapshot distinctly and skip to the next
// candidate.
func DecodeSnapshot(buf []byte) (Snapshot, byte, error) {
	if len(buf) < snapshotFixedHeaderSize {
		return Snapshot{}, 0, fmt.Errorf("codec: %w: snapshot header too short", storageerr.ErrTorn)
	}
	if buf[0] != SnapshotMagic[0] || buf[1] != SnapshotMagic[1] || buf[2] != SnapshotMagic[2] || buf[3] != SnapshotMagic[3] {
		return Snapshot{}, 0, fmt.Errorf("codec: %w: snapshot magic", storageerr.ErrBadMagic)
	}
	version := buf[4]
	if version > SnapshotVersion {
		return Snapshot{}, 0, fmt.Errorf("codec: %w: snapshot version %d", storageerr.ErrVersionTooNew, version)
	}
	status := buf[5]

	offset := snapshotFixedHeaderSize
	if offset+2 > len(buf) {
		return Snapshot{}, status, fmt.Errorf("codec: %w: truncated vector clock count", storageerr.ErrTorn)
	}
	count := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
	offset += 2

	vc := make(types.VectorClock, count)
	for i := 0; i < count; i++ {
		var instanceID string
		var err error
		instanceID, offset, err = readLengthPrefixedString(buf, offset)
		if err != nil {
			return Snapshot{}, status, err
		}
		if offset+12 > len(buf) {
			return Snapshot{}, status, fmt.Errorf("codec: %w: truncated vector clock entry", storageerr.ErrTorn)
		}
		sequence := binary.LittleEndian.Uint32(buf[offset : offset+4])
		offset += 4
		fileOffset := binary.LittleEndian.Uint64(buf[offset : offset+8])
		offset += 8
		var filename string
		filename, offset, err = readLengthPrefixedString(buf, offset)
		if err != nil {
			return Snapshot{}, status, err
		}
		vc[instanceID] = types.VectorClockEntry{Sequence: sequence, Offset: fileOffset, File: filename}
	}

	if offset+4 > len(buf) {
		return Snapshot{}, status, fmt.Errorf("codec: %w: truncated payload length", storageerr.ErrTorn)
	}
	payloadLength := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	offset += 4
	if offset+payloadLength > len(buf) {
		return Snapshot{}, status, fmt.Errorf("codec: %w: truncated payload", storageerr.ErrTorn)
	}
	documentState := make([]byte, payloadLength)
	copy(documentState, buf[offset:offset+payloadLength])

	return Snapshot{VectorClock: vc, DocumentState: documentState}, status, nil
}
