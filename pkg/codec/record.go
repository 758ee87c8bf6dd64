// Package codec implements the on-disk binary frame formats for log
// records and snapshot headers: encoding, parsing, and checksum
// verification. It has no knowledge of CRDT semantics; payloads are
// opaque bytes.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/notecove/storage/pkg/storageerr"
)

// RecordMagic identifies a log record frame.
var RecordMagic = [4]byte{'N', 'C', 'L', 'R'}

// RecordVersion is the only record layout version this build understands.
const RecordVersion = 1

// RecordHeaderSize is the fixed header preceding every record's payload:
// magic(4) + version(1) + record-length(4) + timestamp(8) + sequence(4)
// + payload-length(4) + crc32(4).
const RecordHeaderSize = 29

// ErrInvalidEntryType is returned by EncodeRecord when asked to encode an
// empty payload; the engine never writes zero-length CRDT updates.
var ErrInvalidEntryType = errors.New("codec: empty payload")

// Record is a decoded log frame plus the offsets needed to resume
// reading immediately after it.
type Record struct {
	Timestamp int64
	Sequence  uint32
	Payload   []byte

	// Offset is the byte offset of this frame's first byte within the
	// file it was read from. Length is the full framed size (header +
	// payload), so Offset+Length is the next record's expected start.
	Offset uint64
	Length uint64
}

// EncodeRecord serializes one log record frame, little-endian throughout:
//
//	0  magic          4 bytes "NCLR"
//	4  version        1 byte
//	5  record-length  4 bytes (bytes following this field)
//	9  timestamp-ms   8 bytes
//	17 sequence       4 bytes
//	21 payload-length 4 bytes
//	25 crc32          4 bytes (of payload only)
//	29 payload        n bytes
func EncodeRecord(timestamp int64, sequence uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrInvalidEntryType
	}

	recordLength := uint32(RecordHeaderSize - 9 + len(payload)) // everything after the length field itself
	crc := crc32.ChecksumIEEE(payload)

	buf := make([]byte, RecordHeaderSize+len(payload))
	copy(buf[0:4], RecordMagic[:])
	buf[4] = RecordVersion
	binary.LittleEndian.PutUint32(buf[5:9], recordLength)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(timestamp))
	binary.LittleEndian.PutUint32(buf[17:21], sequence)
	binary.LittleEndian.PutUint32(buf[21:25], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[25:29], crc)
	copy(buf[29:], payload)
	return buf, nil
}

// ParseRecord decodes one frame starting at offset within buf.
//
// A CRC failure is treated the same as a short read: the
// record and everything after it in the file is "not yet replicated",
// not corruption, so ParseRecord reports it as ErrTorn and the caller
// stops without raising. Only a bad magic or a self-inconsistent header
// (declared record-length disagreeing with declared payload-length, a
// combination a correctly functioning LogWriter never produces) is
// ErrCorrupt/ErrBadMagic — these are always surfaced, never silently
// skipped.
//
// Whether a magic mismatch at the very first record of a file should be
// treated as "this is not a log file" (reject the whole file) versus
// "corruption mid-file" (keep everything read so far, flag the rest) is
// a LogReader-level policy; ParseRecord itself always reports a clean
// magic mismatch as ErrBadMagic and lets the caller decide based on
// whether any prior record in the file already parsed successfully.
//
// ParseRecord never returns a partial Record: on ErrTorn the caller
// should stop reading and treat everything from offset onward as not
// yet replicated.
func ParseRecord(buf []byte, offset uint64) (Record, error) {
	remaining := buf[offset:]

	if len(remaining) < 4 {
		return Record{}, fmt.Errorf("codec: %w: short header at offset %d", storageerr.ErrTorn, offset)
	}
	if !magicMatches(remaining) {
		return Record{}, fmt.Errorf("codec: %w: at offset %d", storageerr.ErrBadMagic, offset)
	}
	if len(remaining) < RecordHeaderSize {
		return Record{}, fmt.Errorf("codec: %w: short header at offset %d", storageerr.ErrTorn, offset)
	}

	version := remaining[4]
	if version > RecordVersion {
		return Record{}, fmt.Errorf("codec: %w: record version %d", storageerr.ErrVersionTooNew, version)
	}

	recordLength := binary.LittleEndian.Uint32(remaining[5:9])
	payloadLength := binary.LittleEndian.Uint32(remaining[21:25])
	frameLength := uint64(RecordHeaderSize) + uint64(payloadLength)

	if uint64(recordLength) != frameLength-9 {
		// record-length disagrees with payload-length. The header itself
		// is present and self-consistent-checkable, so this is a
		// structural defect rather than an in-flight write.
		return Record{}, fmt.Errorf("codec: %w: length mismatch at offset %d", storageerr.ErrCorrupt, offset)
	}

	if uint64(len(remaining)) < frameLength {
		return Record{}, fmt.Errorf("codec: %w: need %d bytes, have %d", storageerr.ErrTorn, frameLength, len(remaining))
	}

	timestamp := int64(binary.LittleEndian.Uint64(remaining[9:17]))
	sequence := binary.LittleEndian.Uint32(remaining[17:21])
	wantCRC := binary.LittleEndian.Uint32(remaining[25:29])
	payload := remaining[29:frameLength]

	gotCRC := crc32.ChecksumIEEE(payload)
	if gotCRC != wantCRC {
		// A CRC failure is a torn tail, not corruption, regardless of
		// whether the full declared frame length happened to be
		// present. The record and everything after it is simply not
		// yet durable.
		return Record{}, fmt.Errorf("codec: %w: crc mismatch at offset %d", storageerr.ErrTorn, offset)
	}

	out := make([]byte, len(payload))
	copy(out, payload)

	return Record{
		Timestamp: timestamp,
		Sequence:  sequence,
		Payload:   out,
		Offset:    offset,
		Length:    frameLength,
	}, nil
}

func magicMatches(b []byte) bool {
	return len(b) >= 4 && b[0] == RecordMagic[0] && b[1] == RecordMagic[1] && b[2] == RecordMagic[2] && b[3] == RecordMagic[3]
}
