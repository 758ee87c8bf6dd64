package snapshot

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/notecove/storage/pkg/codec"
	"github.com/notecove/storage/pkg/storageerr"
	"github.com/notecove/storage/pkg/types"
)

func dev(instanceID string) types.DeviceID {
	return types.DeviceID{ProfileID: "profile-a", InstanceID: instanceID}
}

func TestWriteThenFindBestRoundTrips(t *testing.T) {
	dir := t.TempDir()
	vc := types.VectorClock{
		"instance-a": {Sequence: 5, Offset: 120, File: "a_1.crdtlog"},
	}
	state := []byte("document bytes")

	path, err := Write(dir, dev("instance-a"), vc, state, false)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Contains(t, filepath.Base(path), "profile-a_instance-a_")

	gotVC, gotState, bestPath, err := FindBest(dir)
	require.NoError(t, err)
	require.Equal(t, path, bestPath)
	require.Equal(t, state, gotState)
	require.Equal(t, vc["instance-a"], gotVC["instance-a"])
}

func TestWriteFlipsStatusByteToComplete(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, dev("instance-a"), types.VectorClock{}, []byte("x"), false)
	require.NoError(t, err)

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, codec.StatusComplete, buf[codec.StatusOffset])
}

func TestFindBestPicksHighestTotalSequence(t *testing.T) {
	dir := t.TempDir()

	_, err := Write(dir, dev("instance-low"), types.VectorClock{
		"instance-low": {Sequence: 2},
	}, []byte("low"), false)
	require.NoError(t, err)

	_, err = Write(dir, dev("instance-high"), types.VectorClock{
		"instance-high": {Sequence: 9},
		"instance-low":  {Sequence: 2},
	}, []byte("high"), false)
	require.NoError(t, err)

	_, state, _, err := FindBest(dir)
	require.NoError(t, err)
	require.Equal(t, []byte("high"), state)
}

func TestFindBestTieBreaksOnLexicographicInstanceID(t *testing.T) {
	dir := t.TempDir()

	_, err := Write(dir, dev("zeta"), types.VectorClock{"zeta": {Sequence: 3}}, []byte("zeta"), false)
	require.NoError(t, err)
	_, err = Write(dir, dev("alpha"), types.VectorClock{"alpha": {Sequence: 3}}, []byte("alpha"), false)
	require.NoError(t, err)

	_, state, _, err := FindBest(dir)
	require.NoError(t, err)
	require.Equal(t, []byte("alpha"), state)
}

func TestFindBestIgnoresIncompleteSnapshot(t *testing.T) {
	dir := t.TempDir()

	body, err := codec.EncodeSnapshot(types.VectorClock{"a": {Sequence: 99}}, []byte("never flipped"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile-a_a_1000.snapshot"), body, 0o644))

	_, err = Write(dir, dev("b"), types.VectorClock{"b": {Sequence: 1}}, []byte("complete"), false)
	require.NoError(t, err)

	_, state, _, err := FindBest(dir)
	require.NoError(t, err)
	require.Equal(t, []byte("complete"), state)
}

func TestWriteCompressedRoundTrips(t *testing.T) {
	dir := t.TempDir()
	vc := types.VectorClock{"instance-a": {Sequence: 3}}

	path, err := Write(dir, dev("instance-a"), vc, []byte("compressed document bytes"), true)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(path, ".snapshot.zst"))

	gotVC, gotState, bestPath, err := FindBest(dir)
	require.NoError(t, err)
	require.Equal(t, path, bestPath)
	require.Equal(t, []byte("compressed document bytes"), gotState)
	require.Equal(t, uint32(3), gotVC["instance-a"].Sequence)

	readVC, readState, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, []byte("compressed document bytes"), readState)
	require.Equal(t, uint32(3), readVC["instance-a"].Sequence)
}

func TestFindBestPrefersHigherTotalAcrossCompressedAndPlain(t *testing.T) {
	dir := t.TempDir()

	_, err := Write(dir, dev("plain"), types.VectorClock{"plain": {Sequence: 2}}, []byte("plain"), false)
	require.NoError(t, err)
	_, err = Write(dir, dev("zstd"), types.VectorClock{"zstd": {Sequence: 9}}, []byte("zstd"), true)
	require.NoError(t, err)

	_, state, _, err := FindBest(dir)
	require.NoError(t, err)
	require.Equal(t, []byte("zstd"), state)
}

func TestFindBestReturnsNotFoundWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	_, _, _, err := FindBest(dir)
	require.Error(t, err)
	require.True(t, errors.Is(err, storageerr.ErrNotFound))
}

func TestReadReturnsIncompleteSnapshotError(t *testing.T) {
	dir := t.TempDir()
	body, err := codec.EncodeSnapshot(types.VectorClock{}, []byte("partial"))
	require.NoError(t, err)
	path := filepath.Join(dir, "profile-a_a_1.snapshot")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	_, _, err = Read(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, storageerr.ErrIncompleteSnapshot))
}

// TestFindBestReadsLegacyJSONSnapshot uses the literal v1 wire schema:
// {version, noteId, timestamp, totalChanges, documentState: number[],
// maxSequences: {instanceId -> sequence}}, filename
// snapshot_<totalChanges>_<instanceId>.yjson.
func TestFindBestReadsLegacyJSONSnapshot(t *testing.T) {
	dir := t.TempDir()

	env := legacyEnvelope{
		Version:       1,
		NoteID:        "note-1",
		Timestamp:     1700000000000,
		TotalChanges:  7,
		DocumentState: []int{108, 101, 103, 97, 99, 121},
		MaxSequences:  map[string]int{"legacy-instance": 7},
	}
	buf, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot_7_legacy-instance.yjson"), buf, 0o644))

	vc, state, path, err := FindBest(dir)
	require.NoError(t, err)
	require.Equal(t, []byte("legacy"), state)
	require.Equal(t, uint32(7), vc["legacy-instance"].Sequence)
	require.Contains(t, path, ".yjson")
}

func TestFindBestPrefersV2OverLegacyWhenHigherTotal(t *testing.T) {
	dir := t.TempDir()

	env := legacyEnvelope{
		Version:       1,
		NoteID:        "note-1",
		TotalChanges:  1,
		DocumentState: []int{'l', 'e', 'g', 'a', 'c', 'y'},
		MaxSequences:  map[string]int{"legacy": 1},
	}
	buf, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot_1_legacy.yjson"), buf, 0o644))

	_, err = Write(dir, dev("modern"), types.VectorClock{"modern": {Sequence: 50}}, []byte("modern"), false)
	require.NoError(t, err)

	_, state, _, err := FindBest(dir)
	require.NoError(t, err)
	require.Equal(t, []byte("modern"), state)
}
