// Package deletion implements the deletion log: a plain-text tombstone
// broadcast mechanism for document removal, distinct from the in-band
// CRDT deletes that happen within a document. Structurally modeled on
// pkg/walstore's per-device file naming, but deliberately unframed (no
// CRC, no magic): this log is a line-oriented text format, not a
// binary frame stream.
package deletion

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/notecove/storage/pkg/log"
	"github.com/notecove/storage/pkg/metrics"
	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
)

const logFileExt = ".log"

var (
	currentFormatRe = regexp.MustCompile(`^([^_]+)_([^_]+)\.log$`)
	legacyFormatRe  = regexp.MustCompile(`^([^_]+)\.log$`)
)

// Tombstone is one parsed deletion record.
type Tombstone struct {
	DocumentID     string
	TimestampMillis int64
}

func (t Tombstone) String() string {
	return fmt.Sprintf("%s|%d", t.DocumentID, t.TimestampMillis)
}

// ExistenceChecker tells the deletion log whether a document is still
// present locally, so a tombstone for a document that is already gone is
// skipped instead of being applied again.
type ExistenceChecker interface {
	Exists(documentID string) bool
}

// Applier is the application-facing callback invoked once per newly
// observed, not-yet-processed tombstone whose document still exists
// locally.
type Applier interface {
	ProcessRemoteDeletion(documentID string) error
}

// Log owns one device's own tombstone file within a Storage Directory
// and tracks, per run, which peer tombstones have already been applied.
type Log struct {
	mu sync.Mutex

	dir    string
	device types.DeviceID

	// processed[instanceID] is the set of document ids already applied
	// from that peer's file during this process's lifetime: idempotency
	// is per-run, not persisted across restarts — a restart re-derives
	// it via the existence check.
	processed map[string]map[string]struct{}
}

// New opens (conceptually; the file is created lazily on first
// RecordDeletion) the deletion log for device within dir.
func New(dir string, device types.DeviceID) *Log {
	return &Log{
		dir:       dir,
		device:    device,
		processed: make(map[string]map[string]struct{}),
	}
}

func (l *Log) ownFilename() string {
	return fmt.Sprintf("%s_%s%s", l.device.ProfileID, l.device.InstanceID, logFileExt)
}

// RecordDeletion appends a tombstone line for documentID to this
// device's own file. Tolerates concurrent readers of the same file
// (append-only, no locking required beyond the OS's own atomicity for a
// single short write).
func (l *Log) RecordDeletion(documentID string, timestampMillis int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("deletion: %w: create dir: %w", storageerr.ErrIOError, err)
	}
	path := filepath.Join(l.dir, l.ownFilename())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("deletion: %w: open %s: %w", storageerr.ErrIOError, path, err)
	}
	defer f.Close()

	line := Tombstone{DocumentID: documentID, TimestampMillis: timestampMillis}.String() + "\n"
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("deletion: %w: write: %w", storageerr.ErrIOError, err)
	}
	return f.Sync()
}

// SyncFromOtherInstances lists every peer deletion log file, parses
// complete lines, and for each tombstone not yet processed this run
// whose document still exists locally, invokes applier and marks it
// processed. Returns the set of document ids newly deleted by this call.
func (l *Log) SyncFromOtherInstances(existence ExistenceChecker, applier Applier) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	logger := log.WithComponent("deletion")

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("deletion: %w: list dir: %w", storageerr.ErrIOError, err)
	}

	newlyDeleted := make(map[string]struct{})

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		profileID, instanceID, ok := parseFilename(name)
		if !ok {
			continue
		}
		if instanceID == l.device.InstanceID && (profileID == "" || profileID == l.device.ProfileID) {
			continue
		}

		tombstones, err := readCompleteLines(filepath.Join(l.dir, name))
		if err != nil {
			metrics.SyncErrorsTotal.WithLabelValues("deletion").Inc()
			logger.Warn().Err(err).Str("file", name).Msg("read deletion log")
			continue
		}

		seen := l.processed[instanceID]
		if seen == nil {
			seen = make(map[string]struct{})
			l.processed[instanceID] = seen
		}

		for _, t := range tombstones {
			if _, already := seen[t.DocumentID]; already {
				continue
			}
			seen[t.DocumentID] = struct{}{}

			if !existence.Exists(t.DocumentID) {
				continue
			}
			if err := applier.ProcessRemoteDeletion(t.DocumentID); err != nil {
				logger.Warn().Err(err).Str("document_id", t.DocumentID).Msg("process remote deletion")
				continue
			}
			metrics.TombstonesProcessedTotal.Inc()
			newlyDeleted[t.DocumentID] = struct{}{}
		}
	}

	return newlyDeleted, nil
}

func parseFilename(name string) (profileID, instanceID string, ok bool) {
	if m := currentFormatRe.FindStringSubmatch(name); m != nil {
		return m[1], m[2], true
	}
	if m := legacyFormatRe.FindStringSubmatch(name); m != nil {
		return "", m[1], true
	}
	return "", "", false
}

// readCompleteLines reads every newline-terminated line from path. A
// trailing line with no newline yet is skipped; it reappears, complete,
// on a later call once its writer finishes it.
func readCompleteLines(path string) ([]Tombstone, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %w", storageerr.ErrIOError, path, err)
	}

	var out []Tombstone
	lastNewline := strings.LastIndexByte(string(raw), '\n')
	if lastNewline < 0 {
		return nil, nil
	}
	complete := raw[:lastNewline]

	for _, line := range strings.Split(string(complete), "\n") {
		if line == "" {
			continue
		}
		t, ok := parseLine(line)
		if !ok {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func parseLine(line string) (Tombstone, bool) {
	idx := strings.LastIndexByte(line, '|')
	if idx < 0 {
		return Tombstone{}, false
	}
	ts, err := strconv.ParseInt(line[idx+1:], 10, 64)
	if err != nil {
		return Tombstone{}, false
	}
	return Tombstone{DocumentID: line[:idx], TimestampMillis: ts}, true
}
