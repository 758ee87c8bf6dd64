package walstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/notecove/storage/pkg/codec"
	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
)

// FileInfo describes one log file discovered by ListLogFiles.
type FileInfo struct {
	Path       string
	Filename   string
	InstanceID string
	ProfileID  string // empty for legacy single-id filenames
}

var (
	currentFormatRe = regexp.MustCompile(`^([^_]+)_([^_]+)_(\d+)\.crdtlog$`)
	legacyFormatRe  = regexp.MustCompile(`^([^_]+)_(\d+)\.crdtlog$`)
)

// ListLogFiles returns every recognizable log file in dir, current and
// legacy single-id naming accepted on read.
func ListLogFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walstore: %w: list dir: %w", storageerr.ErrIOError, err)
	}

	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if m := currentFormatRe.FindStringSubmatch(name); m != nil {
			out = append(out, FileInfo{
				Path:       filepath.Join(dir, name),
				Filename:   name,
				ProfileID:  m[1],
				InstanceID: m[2],
			})
			continue
		}
		if m := legacyFormatRe.FindStringSubmatch(name); m != nil {
			out = append(out, FileInfo{
				Path:       filepath.Join(dir, name),
				Filename:   name,
				InstanceID: m[1],
			})
		}
	}
	return out, nil
}

// ReadRecords lazily parses records from path starting at startOffset
// (a byte offset immediately preceding a record header, or 0). It stops
// at end-of-file or at the first record that is incomplete or invalid,
// without raising for the incomplete case: a truncated tail is "not yet
// replicated", not corruption.
//
// A non-tail structural defect (ErrCorrupt/ErrBadMagic/ErrVersionTooNew)
// IS returned as an error alongside whatever complete records were
// already read, so callers can both keep the progress made and surface
// the anomaly.
func ReadRecords(path string, startOffset uint64) ([]types.LogRecord, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walstore: %w: read %s: %w", storageerr.ErrIOError, path, err)
	}
	return parseRecords(buf, startOffset)
}

func parseRecords(buf []byte, startOffset uint64) ([]types.LogRecord, error) {
	var out []types.LogRecord
	offset := startOffset
	sawPrior := false

	for offset < uint64(len(buf)) {
		rec, err := codec.ParseRecord(buf, offset)
		if err != nil {
			if errors.Is(err, storageerr.ErrTorn) {
				// Not yet fully replicated: stop silently, keep what we
				// have. A later call with more bytes re-exposes this
				// record.
				return out, nil
			}
			if errors.Is(err, storageerr.ErrBadMagic) && !sawPrior {
				// The file does not even begin with a recognizable
				// frame: it is not a usable log file at all, not merely
				// truncated. Nothing was read from it.
				return nil, fmt.Errorf("walstore: %w", err)
			}
			// Non-tail corruption: surface it, but keep records already
			// accumulated in this call.
			return out, fmt.Errorf("walstore: %w", err)
		}

		out = append(out, types.LogRecord{
			Timestamp: rec.Timestamp,
			Sequence:  rec.Sequence,
			Offset:    rec.Offset,
			Length:    rec.Length,
			Payload:   rec.Payload,
		})
		sawPrior = true
		offset = rec.Offset + rec.Length
	}

	return out, nil
}

// ReadAllRecords is a convenience wrapper returning the full record list
// from the start of the file.
func ReadAllRecords(path string) ([]types.LogRecord, error) {
	return ReadRecords(path, 0)
}
