package uptodate

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resourced/resourced/internal/compiler"
	"github.com/resourced/resourced/internal/recordstore"
	"github.com/resourced/resourced/internal/resourceheader"
	"github.com/resourced/resourced/internal/resourceid"
)

func setup(t *testing.T) (*Evaluator, *recordstore.Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	rawPath := filepath.Join(dir, "crate.msh.src")
	compiledPath := filepath.Join(dir, "crate.msh")
	require.NoError(t, os.WriteFile(rawPath, []byte("source"), 0644))

	reg, err := compiler.NewRegistry(compiler.Descriptor{
		Name: "mesh", Version: 2, Handles: []resourceid.TypeTag{"msh"}, RequiresInputFile: true,
	})
	require.NoError(t, err)

	store, err := recordstore.Open(filepath.Join(dir, "records.db"))
	require.NoError(t, err)

	return New(reg, store), store, rawPath, compiledPath
}

func writeCompiledHeader(t *testing.T, path string, version int32) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, resourceheader.Write(&buf, resourceheader.Header{CompilerVersion: version}))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestEvaluate_MissingArtifactNeedsCompile(t *testing.T) {
	e, _, rawPath, compiledPath := setup(t)
	id := resourceid.New("msh", "crate.msh")
	d := e.Evaluate(id, rawPath, compiledPath)
	assert.Equal(t, NeedsCompile, d.Status)
}

func TestEvaluate_VersionMismatchNeedsCompile(t *testing.T) {
	e, store, rawPath, compiledPath := setup(t)
	id := resourceid.New("msh", "crate.msh")
	writeCompiledHeader(t, compiledPath, 1) // registry has version 2

	require.NoError(t, store.Put(id, recordstore.Record{CompilerVersion: 1}))

	d := e.Evaluate(id, rawPath, compiledPath)
	assert.Equal(t, NeedsCompile, d.Status)
}

func TestEvaluate_NoRecordNeedsCompile(t *testing.T) {
	e, _, rawPath, compiledPath := setup(t)
	id := resourceid.New("msh", "crate.msh")
	writeCompiledHeader(t, compiledPath, 2)

	d := e.Evaluate(id, rawPath, compiledPath)
	assert.Equal(t, NeedsCompile, d.Status)
}

func TestEvaluate_MatchingRecordIsUpToDate(t *testing.T) {
	e, store, rawPath, compiledPath := setup(t)
	id := resourceid.New("msh", "crate.msh")
	writeCompiledHeader(t, compiledPath, 2)

	hash, err := sourceTimestampHash([]string{rawPath})
	require.NoError(t, err)
	require.NoError(t, store.Put(id, recordstore.Record{CompilerVersion: 2, SourceTimestampHash: hash}))

	d := e.Evaluate(id, rawPath, compiledPath)
	assert.Equal(t, UpToDate, d.Status)
}

func TestEvaluate_ModifiedSourceNeedsCompile(t *testing.T) {
	e, store, rawPath, compiledPath := setup(t)
	id := resourceid.New("msh", "crate.msh")
	writeCompiledHeader(t, compiledPath, 2)

	hash, err := sourceTimestampHash([]string{rawPath})
	require.NoError(t, err)
	require.NoError(t, store.Put(id, recordstore.Record{CompilerVersion: 2, SourceTimestampHash: hash}))

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(rawPath, future, future))

	d := e.Evaluate(id, rawPath, compiledPath)
	assert.Equal(t, NeedsCompile, d.Status)
}

func TestEvaluate_MissingCompileDepNeedsCompile(t *testing.T) {
	dir := t.TempDir()
	rawPath := filepath.Join(dir, "crate.msh.src")
	compiledPath := filepath.Join(dir, "crate.msh")
	require.NoError(t, os.WriteFile(rawPath, []byte("source"), 0644))

	reg, err := compiler.NewRegistry(compiler.Descriptor{
		Name: "mesh", Version: 1, Handles: []resourceid.TypeTag{"msh"},
		EnumerateCompileDependencies: func(id resourceid.ID, rawPath string) ([]string, error) {
			return []string{filepath.Join(dir, "missing.dep")}, nil
		},
	})
	require.NoError(t, err)
	store, err := recordstore.Open(filepath.Join(dir, "records.db"))
	require.NoError(t, err)

	id := resourceid.New("msh", "crate.msh")
	writeCompiledHeader(t, compiledPath, 1)
	require.NoError(t, store.Put(id, recordstore.Record{CompilerVersion: 1}))

	e := New(reg, store)
	d := e.Evaluate(id, rawPath, compiledPath)
	assert.Equal(t, NeedsCompile, d.Status)
}
