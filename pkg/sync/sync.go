// Package sync implements LogSync: the periodic, interruptible loop that
// tails peer devices' log files for every loaded document and feeds new
// records back into the Document Manager. A ticker drives the regular
// cadence; an fsnotify watch and a trigger channel let a cycle also be
// provoked by a filesystem change or an explicit caller request.
package sync

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/notecove/storage/pkg/cache"
	"github.com/notecove/storage/pkg/document"
	"github.com/notecove/storage/pkg/events"
	"github.com/notecove/storage/pkg/log"
	"github.com/notecove/storage/pkg/metrics"
	"github.com/notecove/storage/pkg/types"
	"github.com/notecove/storage/pkg/walstore"
)

// DefaultInterval is how often LogSync runs a full cycle absent any
// external trigger.
const DefaultInterval = 30 * time.Second

// DefaultYieldEvery is how many records LogSync applies from one peer
// file before checking for a pending interrupt: yield after each peer
// file, or each N records.
const DefaultYieldEvery = 200

// CursorStore persists LogSync's per-peer tailing progress so a restart
// does not have to re-read an entire peer log from the start before the
// document's own snapshot/log reconstruction catches back up. Satisfied
// by cache.BoltStore.
type CursorStore interface {
	GetActivityLogCursor(sdID, instanceID string) (cache.ActivityLogCursor, bool, error)
	PutActivityLogCursor(sdID, instanceID string, cursor cache.ActivityLogCursor) error
}

// Syncer tails every loaded document's peer log files for one device.
type Syncer struct {
	device  types.DeviceID
	notes   *document.Manager
	folders *document.Manager

	interval   time.Duration
	yieldEvery int

	logger zerolog.Logger

	watcher   *fsnotify.Watcher
	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	events  *events.Broker
	cursors CursorStore
}

// SetEventBroker attaches a broker that RunOnce/the background loop
// publishes EventSyncCycleCompleted to after every cycle. Optional; a nil
// broker (the default) means cycles simply aren't announced.
func (s *Syncer) SetEventBroker(b *events.Broker) {
	s.events = b
}

// SetCursorStore attaches the activity_log_state-backed cursor cache.
// Optional; a nil store (the default) means every cycle falls back to
// the document's own vector clock for where to resume each peer file,
// which is always correct but can mean re-reading more of a peer's
// current file after a restart than strictly necessary.
func (s *Syncer) SetCursorStore(store CursorStore) {
	s.cursors = store
}

// New creates a Syncer over the given note and folder-tree Document
// Managers, both owned by the same coordinator.
func New(device types.DeviceID, notes, folders *document.Manager) *Syncer {
	return &Syncer{
		device:     device,
		notes:      notes,
		folders:    folders,
		interval:   DefaultInterval,
		yieldEvery: DefaultYieldEvery,
		logger:     log.WithComponent("sync"),
		triggerCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Watch adds dir to the set of directories whose changes trigger an
// immediate sync cycle, in addition to the periodic ticker. Safe to call
// multiple times before Start.
func (s *Syncer) Watch(dir string) error {
	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		s.watcher = w
	}
	return s.watcher.Add(dir)
}

// Start begins the sync loop in a background goroutine.
func (s *Syncer) Start() {
	go s.run()
}

// Stop halts the sync loop and releases the filesystem watcher, if any.
// Blocks until the current cycle, if any, finishes.
func (s *Syncer) Stop() {
	close(s.stopCh)
	<-s.doneCh
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

// Trigger requests an out-of-band sync cycle as soon as the loop is free,
// coalescing with any already-pending trigger.
func (s *Syncer) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// RunOnce runs a single sync cycle synchronously, without starting the
// background loop. Used by one-shot callers (cmd/sdctl's `sync`
// subcommand) that want LogSync's tailing logic without the daemon's
// ticker/watcher lifecycle.
func (s *Syncer) RunOnce() {
	s.cycle()
}

func (s *Syncer) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Msg("log sync started")

	var watchEvents <-chan fsnotify.Event
	if s.watcher != nil {
		watchEvents = s.watcher.Events
	}

	for {
		select {
		case <-ticker.C:
			s.cycle()
		case <-s.triggerCh:
			s.cycle()
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.cycle()
			}
		case <-s.stopCh:
			s.logger.Info().Msg("log sync stopped")
			return
		}
	}
}

// cycle runs one full sweep over every loaded document.
func (s *Syncer) cycle() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SyncCycleDuration)
		metrics.SyncCyclesTotal.Inc()
		if s.events != nil {
			s.events.Publish(&events.Event{Type: events.EventSyncCycleCompleted})
		}
	}()

	for _, st := range s.notes.All() {
		if s.interrupted() {
			return
		}
		s.syncDocument(st)
	}
	for _, st := range s.folders.All() {
		if s.interrupted() {
			return
		}
		s.syncDocument(st)
	}
}

func (s *Syncer) interrupted() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// syncDocument tails every peer (non-self) log file for one document.
func (s *Syncer) syncDocument(st *document.State) {
	files, err := walstore.ListLogFiles(st.Dir)
	if err != nil {
		metrics.SyncErrorsTotal.WithLabelValues("list").Inc()
		s.logger.Warn().Err(err).Str("dir", st.Dir).Msg("list peer log files")
		return
	}

	for _, f := range files {
		if f.InstanceID == s.device.InstanceID {
			continue
		}
		if s.interrupted() {
			return
		}
		s.syncFile(st, f)
	}
}

func (s *Syncer) syncFile(st *document.State, f walstore.FileInfo) {
	existing, hasExisting := st.Clock[f.InstanceID]

	var start uint64
	switch {
	case hasExisting && existing.File == f.Filename:
		start = existing.Offset
	case hasExisting && f.Filename <= existing.File:
		return
	case !hasExisting:
		start = s.resumeOffset(st.SDID, f)
	default:
		start = 0
	}

	records, err := walstore.ReadRecords(f.Path, start)
	if err != nil {
		metrics.SyncErrorsTotal.WithLabelValues("read").Inc()
		s.logger.Warn().Err(err).Str("file", f.Filename).Msg("partial read during sync")
	}

	var lastOffset uint64
	applied := false
	for i, rec := range records {
		if err := st.ApplyRemoteRecord(f.InstanceID, f.Filename, rec); err != nil {
			metrics.SyncErrorsTotal.WithLabelValues("apply").Inc()
			s.logger.Warn().Err(err).Str("file", f.Filename).Uint32("sequence", rec.Sequence).Msg("apply remote record")
			continue
		}
		metrics.RecordsReadTotal.WithLabelValues("sync").Inc()
		lastOffset = rec.NextOffset()
		applied = true

		if s.yieldEvery > 0 && (i+1)%s.yieldEvery == 0 && s.interrupted() {
			break
		}
	}

	if applied {
		s.saveCursor(st.SDID, f.InstanceID, f.Filename, lastOffset)
	}
}

// resumeOffset consults the persisted activity log cursor for a peer
// instance this document has no vector-clock entry for yet (a freshly
// loaded document whose snapshot predates ever seeing that peer). The
// cursor is keyed per (sdId, instanceId), not per document, so it is
// only a hint: if the cursor's file doesn't match the file being synced,
// the file is read from the start.
func (s *Syncer) resumeOffset(sdID string, f walstore.FileInfo) uint64 {
	if s.cursors == nil {
		return 0
	}
	cursor, ok, err := s.cursors.GetActivityLogCursor(sdID, f.InstanceID)
	if err != nil {
		s.logger.Warn().Err(err).Str("sd_id", sdID).Str("instance_id", f.InstanceID).Msg("read activity log cursor")
		return 0
	}
	if !ok || cursor.LogFile != f.Filename {
		return 0
	}
	return cursor.LastOffset
}

func (s *Syncer) saveCursor(sdID, instanceID, filename string, offset uint64) {
	if s.cursors == nil {
		return
	}
	cursor := cache.ActivityLogCursor{LastOffset: offset, LogFile: filename}
	if err := s.cursors.PutActivityLogCursor(sdID, instanceID, cursor); err != nil {
		s.logger.Warn().Err(err).Str("sd_id", sdID).Str("instance_id", instanceID).Msg("persist activity log cursor")
	}
}
