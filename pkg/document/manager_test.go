package document

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/notecove/storage/pkg/cache"
	"github.com/notecove/storage/pkg/crdt"
	"github.com/notecove/storage/pkg/snapshot"
	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
	"github.com/notecove/storage/pkg/walstore"
)

func truncateLastBytes(t *testing.T, dir, filename string, n int) {
	t.Helper()
	path := filepath.Join(dir, filename)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-int64(n)))
}

func textFactory(instanceID string) crdt.Doc {
	return crdt.NewTextDoc(instanceID)
}

func TestLoadFromFilesReconstructsFromLogAlone(t *testing.T) {
	dir := t.TempDir()
	device := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}

	author := crdt.NewTextDoc(device.InstanceID)
	u1, err := author.InsertAt(0, "hello")
	require.NoError(t, err)
	u2, err := author.InsertAt(5, " world")
	require.NoError(t, err)

	w, err := walstore.NewWriter(dir, device, 0)
	require.NoError(t, err)
	_, err = w.AppendRecord(1, 1, u1)
	require.NoError(t, err)
	_, err = w.AppendRecord(2, 2, u2)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	mgr := NewManager(types.DocKindNote, device, textFactory, nil, nil)
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}

	st, err := mgr.LoadFromFiles("sd-1", docID, dir)
	require.NoError(t, err)
	require.Equal(t, PhaseLoaded, st.Phase)
	require.Equal(t, "hello world", st.Value().(*crdt.TextDoc).Value())
	require.Equal(t, uint32(2), st.Clock[device.InstanceID].Sequence)
}

func TestLoadFromFilesUsesSnapshotThenTailsNewerRecords(t *testing.T) {
	dir := t.TempDir()
	device := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}

	author := crdt.NewTextDoc(device.InstanceID)
	u1, err := author.InsertAt(0, "hello")
	require.NoError(t, err)

	w, err := walstore.NewWriter(dir, device, 0)
	require.NoError(t, err)
	entry1, err := w.AppendRecord(1, 1, u1)
	require.NoError(t, err)

	state, err := author.EncodeStateAsUpdate()
	require.NoError(t, err)
	vc := types.VectorClock{device.InstanceID: entry1}
	_, err = snapshot.Write(dir, device, vc, state, false)
	require.NoError(t, err)

	u2, err := author.InsertAt(5, "!")
	require.NoError(t, err)
	_, err = w.AppendRecord(2, 2, u2)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	mgr := NewManager(types.DocKindNote, device, textFactory, nil, nil)
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}

	st, err := mgr.LoadFromFiles("sd-1", docID, dir)
	require.NoError(t, err)
	require.Equal(t, "hello!", st.Value().(*crdt.TextDoc).Value())
	require.Equal(t, uint32(2), st.Clock[device.InstanceID].Sequence)
}

func TestSaveUpdateAdvancesSequenceAndClock(t *testing.T) {
	dir := t.TempDir()
	device := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}

	mgr := NewManager(types.DocKindNote, device, textFactory, nil, nil)
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}

	st, err := mgr.LoadFromFiles("sd-1", docID, dir)
	require.NoError(t, err)

	payload, err := st.Value().(*crdt.TextDoc).InsertAt(0, "abc")
	require.NoError(t, err)

	entry, err := st.SaveUpdate(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(1), entry.Sequence)
	require.Equal(t, entry, st.Clock[device.InstanceID])

	payload2, err := st.Value().(*crdt.TextDoc).InsertAt(3, "def")
	require.NoError(t, err)
	entry2, err := st.SaveUpdate(payload2)
	require.NoError(t, err)
	require.Equal(t, uint32(2), entry2.Sequence)

	require.NoError(t, st.Finalize())
}

func TestLoadFromFilesToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	device := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}

	author := crdt.NewTextDoc(device.InstanceID)
	u1, err := author.InsertAt(0, "hello")
	require.NoError(t, err)

	w, err := walstore.NewWriter(dir, device, 0)
	require.NoError(t, err)
	_, err = w.AppendRecord(1, 1, u1)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	truncateLastBytes(t, dir, w.CurrentFile(), 3)

	mgr := NewManager(types.DocKindNote, device, textFactory, nil, nil)
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}

	st, err := mgr.LoadFromFiles("sd-1", docID, dir)
	require.NoError(t, err)
	require.Equal(t, "", st.Value().(*crdt.TextDoc).Value())
	_, hasEntry := st.Clock[device.InstanceID]
	require.False(t, hasEntry)
}

type fakeCache struct {
	vc    types.VectorClock
	state []byte
	ok    bool
}

func (f *fakeCache) ReadSnapshot(sdID string, doc types.DocumentID) (types.VectorClock, []byte, bool, error) {
	return f.vc, f.state, f.ok, nil
}

func TestLoadFromCacheHitStillTailsNewerRecords(t *testing.T) {
	dir := t.TempDir()
	device := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}

	author := crdt.NewTextDoc(device.InstanceID)
	u1, err := author.InsertAt(0, "hi")
	require.NoError(t, err)
	state, err := author.EncodeStateAsUpdate()
	require.NoError(t, err)

	w, err := walstore.NewWriter(dir, device, 0)
	require.NoError(t, err)
	entry1, err := w.AppendRecord(1, 1, u1)
	require.NoError(t, err)

	cache := &fakeCache{ok: true, state: state, vc: types.VectorClock{device.InstanceID: entry1}}

	u2, err := author.InsertAt(2, "!")
	require.NoError(t, err)
	_, err = w.AppendRecord(2, 2, u2)
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	mgr := NewManager(types.DocKindNote, device, textFactory, cache, nil)
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}

	st, hit, err := mgr.LoadFromCache("sd-1", docID, dir)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, "hi!", st.Value().(*crdt.TextDoc).Value())
}

func TestLoadFromCacheMissWhenNoCache(t *testing.T) {
	mgr := NewManager(types.DocKindNote, types.DeviceID{ProfileID: "p", InstanceID: "i"}, textFactory, nil, nil)
	_, hit, err := mgr.LoadFromCache("sd-1", types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}, t.TempDir())
	require.NoError(t, err)
	require.False(t, hit)
}

type fakeSequenceStore struct {
	state cache.SequenceState
	ok    bool
	put   []cache.SequenceState
}

func (f *fakeSequenceStore) GetSequenceState(sdID string, doc types.DocumentID) (cache.SequenceState, bool, error) {
	return f.state, f.ok, nil
}

func (f *fakeSequenceStore) PutSequenceState(sdID string, doc types.DocumentID, state cache.SequenceState) error {
	f.put = append(f.put, state)
	return nil
}

func TestLoadFromFilesRefusesSequenceRegression(t *testing.T) {
	dir := t.TempDir()
	device := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}

	seq := &fakeSequenceStore{ok: true, state: cache.SequenceState{CurrentSequence: 99}}
	mgr := NewManager(types.DocKindNote, device, textFactory, nil, seq)

	_, err := mgr.LoadFromFiles("sd-1", docID, dir)
	require.Error(t, err)
	require.ErrorIs(t, err, storageerr.ErrSequenceRegression)
}

func TestSaveUpdatePersistsSequenceState(t *testing.T) {
	dir := t.TempDir()
	device := types.DeviceID{ProfileID: "profile-a", InstanceID: "instance-a"}
	docID := types.DocumentID{Kind: types.DocKindNote, ID: "note-1"}

	seq := &fakeSequenceStore{}
	mgr := NewManager(types.DocKindNote, device, textFactory, nil, seq)

	st, err := mgr.LoadFromFiles("sd-1", docID, dir)
	require.NoError(t, err)

	payload, err := st.Value().(*crdt.TextDoc).InsertAt(0, "abc")
	require.NoError(t, err)
	entry, err := st.SaveUpdate(payload)
	require.NoError(t, err)

	require.Len(t, seq.put, 1)
	require.Equal(t, entry.Sequence, seq.put[0].CurrentSequence)
	require.Equal(t, entry.File, seq.put[0].CurrentFile)
}
