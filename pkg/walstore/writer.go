// Package walstore implements LogWriter and LogReader: single-writer,
// append-only log files for one (device, document), and forward,
// truncation-tolerant iteration over them.
package walstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/notecove/storage/pkg/codec"
	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
)

// DefaultRolloverThreshold is the suggested file-size boundary past
// which appendRecord rolls to a new file. Configurable per Writer.
const DefaultRolloverThreshold int64 = 8 << 20

const logFileExt = ".crdtlog"

var ownFileRe = regexp.MustCompile(`^([^_]+)_([^_]+)_(\d+)\.crdtlog$`)

// Writer appends records for exactly one (device, document) pair. A
// process holds at most one Writer per document; mutual exclusion
// across processes of the same device is out of scope and is not
// enforced here.
type Writer struct {
	mu sync.Mutex

	dir    string
	device types.DeviceID

	rolloverThreshold int64

	file     *os.File
	filename string
	fileSize int64
	closed   bool
}

// NewWriter opens (or creates) the active log file for device within
// dir. If an existing file owned by device is found, appends continue
// there; otherwise a fresh file is created.
func NewWriter(dir string, device types.DeviceID, rolloverThreshold int64) (*Writer, error) {
	if rolloverThreshold <= 0 {
		rolloverThreshold = DefaultRolloverThreshold
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("walstore: create dir: %w: %w", storageerr.ErrIOError, err)
	}

	w := &Writer{
		dir:               dir,
		device:            device,
		rolloverThreshold: rolloverThreshold,
	}

	existing, size, err := findActiveOwnFile(dir, device)
	if err != nil {
		return nil, err
	}
	if existing == "" {
		if err := w.openNewFile(nowMillis()); err != nil {
			return nil, err
		}
	} else {
		f, err := os.OpenFile(filepath.Join(dir, existing), os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("walstore: open existing log: %w: %w", storageerr.ErrIOError, err)
		}
		w.file = f
		w.filename = existing
		w.fileSize = size
	}

	return w, nil
}

// AppendRecord encodes one frame and appends it to the active file,
// rolling over first if the file would exceed the rollover threshold.
// The caller supplies sequence: the Document Manager, not the writer,
// owns sequence assignment.
func (w *Writer) AppendRecord(timestamp int64, sequence uint32, payload []byte) (types.VectorClockEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return types.VectorClockEntry{}, fmt.Errorf("walstore: writer finalized")
	}

	frame, err := codec.EncodeRecord(timestamp, sequence, payload)
	if err != nil {
		return types.VectorClockEntry{}, fmt.Errorf("walstore: encode record: %w", err)
	}

	if w.fileSize > 0 && w.fileSize+int64(len(frame)) > w.rolloverThreshold {
		if err := w.rollover(); err != nil {
			return types.VectorClockEntry{}, err
		}
	}

	offset := uint64(w.fileSize)
	n, err := w.file.Write(frame)
	if err != nil {
		return types.VectorClockEntry{}, fmt.Errorf("walstore: %w: write: %w", storageerr.ErrIOError, err)
	}
	w.fileSize += int64(n)
	if err := w.file.Sync(); err != nil {
		return types.VectorClockEntry{}, fmt.Errorf("walstore: %w: sync: %w", storageerr.ErrIOError, err)
	}

	return types.VectorClockEntry{
		Sequence: sequence,
		Offset:   offset + uint64(len(frame)),
		File:     w.filename,
	}, nil
}

// CurrentFile reports the active filename, for the Document Manager to
// seed a fresh vector clock entry before any record has been written.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filename
}

func (w *Writer) rollover() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("walstore: %w: sync before rollover: %w", storageerr.ErrIOError, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("walstore: %w: close before rollover: %w", storageerr.ErrIOError, err)
	}
	ts := nowMillis()
	if err := w.openNewFile(ts); err != nil {
		return fmt.Errorf("walstore: %w: %w", storageerr.ErrRolloverFailed, err)
	}
	return nil
}

func (w *Writer) openNewFile(createMillis int64) error {
	filename := fmt.Sprintf("%s_%s_%d%s", w.device.ProfileID, w.device.InstanceID, createMillis, logFileExt)
	path := filepath.Join(w.dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		// Collision on the same millisecond: bump and retry.
		if os.IsExist(err) {
			return w.openNewFile(createMillis + 1)
		}
		return fmt.Errorf("walstore: %w: create %s: %w", storageerr.ErrIOError, filename, err)
	}
	w.file = f
	w.filename = filename
	w.fileSize = 0
	return nil
}

// Finalize flushes and releases the OS handle. Idempotent.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("walstore: %w: finalize sync: %w", storageerr.ErrIOError, err)
	}
	return w.file.Close()
}

func findActiveOwnFile(dir string, device types.DeviceID) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("walstore: %w: list dir: %w", storageerr.ErrIOError, err)
	}

	type candidate struct {
		name   string
		millis int64
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := ownFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if m[1] != device.ProfileID || m[2] != device.InstanceID {
			continue
		}
		millis, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: e.Name(), millis: millis})
	}
	if len(candidates) == 0 {
		return "", 0, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].millis < candidates[j].millis })
	latest := candidates[len(candidates)-1]

	info, err := os.Stat(filepath.Join(dir, latest.name))
	if err != nil {
		return "", 0, fmt.Errorf("walstore: %w: stat %s: %w", storageerr.ErrIOError, latest.name, err)
	}
	return latest.name, info.Size(), nil
}
