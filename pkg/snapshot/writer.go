// Package snapshot implements SnapshotWriter and SnapshotReader: writing
// a two-phase-committed snapshot file and locating/reading the best
// available one, including the legacy v1 JSON format kept for
// read-compatibility.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/notecove/storage/pkg/codec"
	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
)

const snapshotExt = ".snapshot"
const snapshotCompressedExt = ".snapshot.zst"

// Write creates a new complete v2 snapshot file in dir for device. With
// compress false, it follows a two-phase protocol: the full file is
// written with the status byte left at StatusIncomplete, synced, then
// the status byte is flipped to StatusComplete in place. If the flip
// cannot be performed in place, a fresh complete file is written instead
// and the incomplete one is removed.
//
// With compress true, the encoded body (status already set to
// StatusComplete, since a zstd frame has no stable byte offset to flip
// after the fact) is zstd-compressed and written to a temp file that is
// atomically renamed into place, appending .zst to the usual name.
func Write(dir string, device types.DeviceID, vc types.VectorClock, documentState []byte, compress bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot: %w: create dir: %w", storageerr.ErrIOError, err)
	}

	body, err := codec.EncodeSnapshot(vc, documentState)
	if err != nil {
		return "", fmt.Errorf("snapshot: encode: %w", err)
	}

	if compress {
		body[codec.StatusOffset] = codec.StatusComplete
		return writeCompressed(dir, device, body)
	}

	path, err := writeIncomplete(dir, device, body)
	if err != nil {
		return "", err
	}

	if err := flipToComplete(path); err != nil {
		// Fall back: emit a brand new, already-complete file and drop
		// the incomplete one.
		body[codec.StatusOffset] = codec.StatusComplete
		newPath, werr := writeIncomplete(dir, device, body)
		if werr != nil {
			return "", fmt.Errorf("snapshot: fallback write after flip failure (%v): %w", err, werr)
		}
		_ = os.Remove(path)
		return newPath, nil
	}

	return path, nil
}

func writeCompressed(dir string, device types.DeviceID, body []byte) (string, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("snapshot: init zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(body, nil)
	enc.Close()

	millis := nowMillis()
	for {
		filename := fmt.Sprintf("%s_%s_%d%s", device.ProfileID, device.InstanceID, millis, snapshotCompressedExt)
		path := filepath.Join(dir, filename)
		tmpPath := path + ".tmp"

		f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				millis++
				continue
			}
			return "", fmt.Errorf("snapshot: %w: create %s: %w", storageerr.ErrIOError, filename, err)
		}
		if _, err := f.Write(compressed); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("snapshot: %w: write %s: %w", storageerr.ErrIOError, filename, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("snapshot: %w: sync %s: %w", storageerr.ErrIOError, filename, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tmpPath)
			return "", fmt.Errorf("snapshot: %w: close %s: %w", storageerr.ErrIOError, filename, err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return "", fmt.Errorf("snapshot: %w: rename %s: %w", storageerr.ErrIOError, filename, err)
		}
		return path, nil
	}
}

func writeIncomplete(dir string, device types.DeviceID, body []byte) (string, error) {
	millis := nowMillis()
	for {
		filename := fmt.Sprintf("%s_%s_%d%s", device.ProfileID, device.InstanceID, millis, snapshotExt)
		path := filepath.Join(dir, filename)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				millis++
				continue
			}
			return "", fmt.Errorf("snapshot: %w: create %s: %w", storageerr.ErrIOError, filename, err)
		}
		if _, err := f.Write(body); err != nil {
			f.Close()
			return "", fmt.Errorf("snapshot: %w: write %s: %w", storageerr.ErrIOError, filename, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return "", fmt.Errorf("snapshot: %w: sync %s: %w", storageerr.ErrIOError, filename, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("snapshot: %w: close %s: %w", storageerr.ErrIOError, filename, err)
		}
		return path, nil
	}
}

func flipToComplete(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: reopen for flip: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte{codec.StatusComplete}, codec.StatusOffset); err != nil {
		return fmt.Errorf("snapshot: write status byte: %w", err)
	}
	return f.Sync()
}
