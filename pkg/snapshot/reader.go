package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/notecove/storage/pkg/codec"
	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
)

var (
	// currentSnapshotRe matches the canonical v2 name
	// <profileId>_<instanceId>_<createMillis>.snapshot.
	currentSnapshotRe = regexp.MustCompile(`^([^_]+)_([^_]+)_(\d+)\.snapshot$`)
	// legacySnapshotRe matches the pre-ProfileId v2 name
	// <instanceId>_<createMillis>.snapshot.
	legacySnapshotRe = regexp.MustCompile(`^([^_]+)_(\d+)\.snapshot$`)
	// yjsonRe matches the v1 legacy name
	// snapshot_<totalChanges>_<instanceId>.yjson, optionally .zst-suffixed.
	yjsonRe = regexp.MustCompile(`^snapshot_(\d+)_([^_]+)\.yjson(\.zst)?$`)
)

// candidate is one snapshot file ranked for selection.
type candidate struct {
	path          string
	instanceID    string
	vc            types.VectorClock
	documentState []byte
}

// FindBest scans dir for the snapshot (v2 .snapshot, legacy .yjson) that
// covers the largest total number of updates: sum of sequences across
// vector-clock entries, lexicographically-smallest instanceId as
// tiebreak. Incomplete v2 snapshots and files that fail to
// decode are skipped rather than raised, mirroring how a corrupt
// snapshot should never block loading an older, valid one.
//
// Returns storageerr.ErrNotFound if no usable snapshot exists.
func FindBest(dir string) (types.VectorClock, []byte, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, "", fmt.Errorf("snapshot: %w", storageerr.ErrNotFound)
		}
		return nil, nil, "", fmt.Errorf("snapshot: %w: list dir: %w", storageerr.ErrIOError, err)
	}

	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)

		switch {
		case strings.HasSuffix(name, snapshotExt) || strings.HasSuffix(name, snapshotCompressedExt):
			instanceID, ok := instanceIDFromSnapshotFilename(strings.TrimSuffix(name, ".zst"))
			if !ok {
				continue
			}
			buf, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if strings.HasSuffix(name, ".zst") {
				buf, err = decompressZstd(buf)
				if err != nil {
					continue
				}
			}
			vc, status, err := codec.DecodeSnapshot(buf)
			if err != nil || status != codec.StatusComplete {
				continue
			}
			candidates = append(candidates, candidate{
				path:          path,
				instanceID:    instanceID,
				vc:            vc.VectorClock,
				documentState: vc.DocumentState,
			})
		case yjsonRe.MatchString(name):
			m := yjsonRe.FindStringSubmatch(name)
			buf, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			vc, state, err := decodeLegacy(buf)
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{
				path:          path,
				instanceID:    m[2],
				vc:            vc,
				documentState: state,
			})
		}
	}

	if len(candidates) == 0 {
		return nil, nil, "", fmt.Errorf("snapshot: %w", storageerr.ErrNotFound)
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].vc.TotalSequence(), candidates[j].vc.TotalSequence()
		if si != sj {
			return si > sj
		}
		return candidates[i].instanceID < candidates[j].instanceID
	})

	best := candidates[0]
	return best.vc, best.documentState, best.path, nil
}

// Read decodes a single v2 snapshot file, transparently decompressing it
// first if its name ends in .zst, and returns
// storageerr.ErrIncompleteSnapshot if the completion flip never happened.
func Read(path string) (types.VectorClock, []byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: %w: read %s: %w", storageerr.ErrIOError, path, err)
	}
	if strings.HasSuffix(path, ".zst") {
		buf, err = decompressZstd(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: decompress %s: %w", path, err)
		}
	}
	snap, status, err := codec.DecodeSnapshot(buf)
	if err != nil {
		if errors.Is(err, storageerr.ErrTorn) {
			return nil, nil, fmt.Errorf("snapshot: %w", storageerr.ErrIncompleteSnapshot)
		}
		return nil, nil, fmt.Errorf("snapshot: %w", err)
	}
	if status != codec.StatusComplete {
		return nil, nil, fmt.Errorf("snapshot: %w", storageerr.ErrIncompleteSnapshot)
	}
	return snap.VectorClock, snap.DocumentState, nil
}

func decompressZstd(buf []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// instanceIDFromSnapshotFilename parses a .snapshot filename, current
// (<profileId>_<instanceId>_<createMillis>) or legacy
// (<instanceId>_<createMillis>), and returns the instance id.
func instanceIDFromSnapshotFilename(name string) (string, bool) {
	if m := currentSnapshotRe.FindStringSubmatch(name); m != nil {
		return m[2], true
	}
	if m := legacySnapshotRe.FindStringSubmatch(name); m != nil {
		return m[1], true
	}
	return "", false
}
