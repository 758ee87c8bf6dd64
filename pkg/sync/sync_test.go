package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/notecove/storage/pkg/cache"
	"github.com/notecove/storage/pkg/crdt"
	"github.com/notecove/storage/pkg/document"
	"github.com/notecove/storage/pkg/types"
	"github.com/notecove/storage/pkg/walstore"
)

func textFactory(instanceID string) crdt.Doc {
	return crdt.NewTextDoc(instanceID)
}

func TestSyncerAppliesPeerRecordsAndAdvancesClock(t *testing.T) {
	dir := t.TempDir()

	peer := types.DeviceID{ProfileID: "profile-b", InstanceID: "instance-b"}
	peerDoc := crdt.NewTextDoc(peer.InstanceID)
	u1, err := peerDoc.InsertAt(0, "hello")
	require.NoError(t, err)

	pw, err := walstore.NewWriter(dir, peer, 0)
	require.NoError(t, err)
	_, err = pw.AppendRecord(1, 1, u1)
	require.NoError(t, err)
	require.NoError(t, pw.Finalize())

	self := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}
	notes := document.NewManager(types.DocKindNote, self, textFactory, nil, nil)
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}
	st, err := notes.LoadFromFiles("sd-1", docID, dir)
	require.NoError(t, err)
	require.Equal(t, "", st.Value().(*crdt.TextDoc).Value())

	folders := document.NewManager(types.DocKindFolder, self, func(instanceID string) crdt.Doc { return crdt.NewMapDoc(instanceID) }, nil, nil)

	s := New(self, notes, folders)
	s.cycle()

	require.Equal(t, "hello", st.Value().(*crdt.TextDoc).Value())
	require.Equal(t, uint32(1), st.Clock[peer.InstanceID].Sequence)
}

func TestSyncerSkipsOwnLogFile(t *testing.T) {
	dir := t.TempDir()
	self := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}

	notes := document.NewManager(types.DocKindNote, self, textFactory, nil, nil)
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}
	st, err := notes.LoadFromFiles("sd-1", docID, dir)
	require.NoError(t, err)

	payload, err := st.Value().(*crdt.TextDoc).InsertAt(0, "mine")
	require.NoError(t, err)
	_, err = st.SaveUpdate(payload)
	require.NoError(t, err)

	folders := document.NewManager(types.DocKindFolder, self, func(instanceID string) crdt.Doc { return crdt.NewMapDoc(instanceID) }, nil, nil)
	s := New(self, notes, folders)

	before := st.Clock[self.InstanceID]
	s.cycle()
	require.Equal(t, before, st.Clock[self.InstanceID])
}

func TestSyncerDoesNotReapplyAlreadyCoveredRecords(t *testing.T) {
	dir := t.TempDir()

	peer := types.DeviceID{ProfileID: "profile-b", InstanceID: "instance-b"}
	peerDoc := crdt.NewTextDoc(peer.InstanceID)
	u1, err := peerDoc.InsertAt(0, "a")
	require.NoError(t, err)

	pw, err := walstore.NewWriter(dir, peer, 0)
	require.NoError(t, err)
	_, err = pw.AppendRecord(1, 1, u1)
	require.NoError(t, err)
	require.NoError(t, pw.Finalize())

	self := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}
	notes := document.NewManager(types.DocKindNote, self, textFactory, nil, nil)
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}
	st, err := notes.LoadFromFiles("sd-1", docID, dir)
	require.NoError(t, err)

	folders := document.NewManager(types.DocKindFolder, self, func(instanceID string) crdt.Doc { return crdt.NewMapDoc(instanceID) }, nil, nil)
	s := New(self, notes, folders)

	s.cycle()
	require.Equal(t, "a", st.Value().(*crdt.TextDoc).Value())

	s.cycle()
	require.Equal(t, "a", st.Value().(*crdt.TextDoc).Value())
}

type fakeCursorStore struct {
	cursors map[string]cache.ActivityLogCursor
}

func (f *fakeCursorStore) GetActivityLogCursor(sdID, instanceID string) (cache.ActivityLogCursor, bool, error) {
	c, ok := f.cursors[sdID+"\x00"+instanceID]
	return c, ok, nil
}

func (f *fakeCursorStore) PutActivityLogCursor(sdID, instanceID string, cursor cache.ActivityLogCursor) error {
	if f.cursors == nil {
		f.cursors = map[string]cache.ActivityLogCursor{}
	}
	f.cursors[sdID+"\x00"+instanceID] = cursor
	return nil
}

func TestSyncerPersistsAndResumesFromActivityLogCursor(t *testing.T) {
	dir := t.TempDir()

	peer := types.DeviceID{ProfileID: "profile-b", InstanceID: "instance-b"}
	peerDoc := crdt.NewTextDoc(peer.InstanceID)
	u1, err := peerDoc.InsertAt(0, "a")
	require.NoError(t, err)

	pw, err := walstore.NewWriter(dir, peer, 0)
	require.NoError(t, err)
	_, err = pw.AppendRecord(1, 1, u1)
	require.NoError(t, err)
	require.NoError(t, pw.Finalize())

	self := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}
	notes := document.NewManager(types.DocKindNote, self, textFactory, nil, nil)
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}
	st, err := notes.LoadFromFiles("sd-1", docID, dir)
	require.NoError(t, err)

	folders := document.NewManager(types.DocKindFolder, self, func(instanceID string) crdt.Doc { return crdt.NewMapDoc(instanceID) }, nil, nil)
	s := New(self, notes, folders)
	store := &fakeCursorStore{}
	s.SetCursorStore(store)

	s.cycle()
	require.Equal(t, "a", st.Value().(*crdt.TextDoc).Value())

	cursor, ok := store.cursors["sd-1\x00instance-b"]
	require.True(t, ok)
	require.Equal(t, pw.CurrentFile(), cursor.LogFile)
	require.NotZero(t, cursor.LastOffset)

	// A freshly loaded document with no vector-clock entry for the peer
	// yet should use the persisted cursor as its resume point rather
	// than re-reading from offset zero.
	notes2 := document.NewManager(types.DocKindNote, self, textFactory, nil, nil)
	docID2 := types.DocumentID{Kind: types.DocKindNote, ID: "note-2"}
	st2, err := notes2.LoadFromFiles("sd-1", docID2, t.TempDir())
	require.NoError(t, err)
	_, hasPeer := st2.Clock[peer.InstanceID]
	require.False(t, hasPeer)

	s2 := New(self, notes2, folders)
	s2.SetCursorStore(store)
	require.Equal(t, cursor.LastOffset, s2.resumeOffset("sd-1", walstore.FileInfo{InstanceID: peer.InstanceID, Filename: cursor.LogFile}))
}

func TestSyncerTriggerAndStop(t *testing.T) {
	self := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}
	notes := document.NewManager(types.DocKindNote, self, textFactory, nil, nil)
	folders := document.NewManager(types.DocKindFolder, self, func(instanceID string) crdt.Doc { return crdt.NewMapDoc(instanceID) }, nil, nil)

	s := New(self, notes, folders)
	s.interval = time.Hour
	s.Start()
	s.Trigger()
	time.Sleep(10 * time.Millisecond)
	s.Stop()
}
