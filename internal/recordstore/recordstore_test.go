package recordstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resourced/resourced/internal/resourceid"
)

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Count())
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "records.db"))
	require.NoError(t, err)

	id := resourceid.New("msh", "models/crate.msh")
	rec := Record{CompilerVersion: 3, SourceTimestampHash: 42}

	require.NoError(t, s.Put(id, rec))

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	require.NoError(t, s.Delete(id))
	_, ok = s.Get(id)
	assert.False(t, ok)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.db")

	id := resourceid.New("map", "levels/a.map")
	rec := Record{
		CompilerVersion:     1,
		SourceTimestampHash: 7,
		InstallDependencies: []resourceid.ID{resourceid.New("msh", "models/crate.msh")},
		LastSuccessTimeUnix: 1000,
	}

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Put(id, rec))

	s2, err := Open(path)
	require.NoError(t, err)
	got, ok := s2.Get(id)
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestOpen_CorruptFileRebuildsEmptyInsteadOfFailing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.db")
	require.NoError(t, os.WriteFile(path, []byte("not a zstd stream"), 0644))

	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Count())
	assert.Error(t, s.CorruptionError())
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "records.db"))
	require.NoError(t, err)

	id := resourceid.New("msh", "a.msh")
	require.NoError(t, s.Put(id, Record{CompilerVersion: 1}))

	snap := s.Snapshot()
	require.Len(t, snap, 1)

	require.NoError(t, s.Put(id, Record{CompilerVersion: 2}))
	assert.Equal(t, int32(1), snap[id].CompilerVersion)
}
