package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/notecove/storage/pkg/storageerr"
)

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	payload := []byte("hello crdt update")
	frame, err := EncodeRecord(1700000000000, 7, payload)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	if len(frame) != RecordHeaderSize+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), RecordHeaderSize+len(payload))
	}

	rec, err := ParseRecord(frame, 0)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if rec.Timestamp != 1700000000000 {
		t.Errorf("Timestamp = %d, want 1700000000000", rec.Timestamp)
	}
	if rec.Sequence != 7 {
		t.Errorf("Sequence = %d, want 7", rec.Sequence)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Errorf("Payload = %q, want %q", rec.Payload, payload)
	}
	if next := rec.Offset + rec.Length; next != uint64(len(frame)) {
		t.Errorf("next offset = %d, want %d", next, len(frame))
	}
}

func TestEncodeRecordEmptyPayloadRejected(t *testing.T) {
	if _, err := EncodeRecord(1, 1, nil); !errors.Is(err, ErrInvalidEntryType) {
		t.Fatalf("EncodeRecord(nil) error = %v, want ErrInvalidEntryType", err)
	}
}

func TestParseRecordTruncatedAfterLastComplete(t *testing.T) {
	payload := []byte("some payload bytes")
	frame, err := EncodeRecord(1, 1, payload)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	for _, cut := range []int{1, 4, RecordHeaderSize - 1, RecordHeaderSize, len(frame) - 1} {
		truncated := frame[:cut]
		if _, err := ParseRecord(truncated, 0); !errors.Is(err, storageerr.ErrTorn) {
			t.Errorf("cut=%d: ParseRecord error = %v, want ErrTorn", cut, err)
		}
	}
}

func TestParseRecordBadCRCIsTorn(t *testing.T) {
	payload := []byte("payload")
	frame, err := EncodeRecord(1, 1, payload)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	// Flip a payload byte without touching the declared lengths: this is
	// indistinguishable from a torn write.
	frame[len(frame)-1] ^= 0xFF

	if _, err := ParseRecord(frame, 0); !errors.Is(err, storageerr.ErrTorn) {
		t.Fatalf("ParseRecord error = %v, want ErrTorn", err)
	}
}

func TestParseRecordBadMagicSurfaces(t *testing.T) {
	payload := []byte("payload")
	frame, err := EncodeRecord(1, 1, payload)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	frame[0] = 'X'

	if _, err := ParseRecord(frame, 0); !errors.Is(err, storageerr.ErrBadMagic) {
		t.Fatalf("ParseRecord error = %v, want ErrBadMagic", err)
	}
}

func TestParseRecordMultipleFramesSequentially(t *testing.T) {
	var buf []byte
	var offsets []uint64
	for i := uint32(1); i <= 3; i++ {
		offsets = append(offsets, uint64(len(buf)))
		frame, err := EncodeRecord(int64(i), i, []byte{byte(i), byte(i + 1)})
		if err != nil {
			t.Fatalf("EncodeRecord(%d): %v", i, err)
		}
		buf = append(buf, frame...)
	}

	for idx, off := range offsets {
		rec, err := ParseRecord(buf, off)
		if err != nil {
			t.Fatalf("ParseRecord at %d: %v", off, err)
		}
		if rec.Sequence != uint32(idx+1) {
			t.Errorf("record %d: Sequence = %d, want %d", idx, rec.Sequence, idx+1)
		}
	}
}
