package workerpool

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resourced/resourced/internal/compiler"
	"github.com/resourced/resourced/internal/recordstore"
	"github.com/resourced/resourced/internal/request"
	"github.com/resourced/resourced/internal/resourceid"
	"github.com/resourced/resourced/internal/uptodate"
)

// fakeWorkerBinary returns a path to a tiny script that prints "ok" and
// exits with exitCode, so tests can drive every exit-code branch without
// a real compiler.
func fakeWorkerBinary(t *testing.T, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake worker binary is a POSIX shell script")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "resource-compiler.sh")
	script := "#!/bin/sh\necho ok\nexit " + itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func newPool(t *testing.T, exitCode int) (*Pool, *recordstore.Store) {
	t.Helper()
	dir := t.TempDir()

	reg, err := compiler.NewRegistry(compiler.Descriptor{
		Name: "mesh", Version: 1, Handles: []resourceid.TypeTag{"msh"}, RequiresInputFile: true,
	})
	require.NoError(t, err)

	store, err := recordstore.Open(filepath.Join(dir, "records.db"))
	require.NoError(t, err)

	ev := uptodate.New(reg, store)
	bin := fakeWorkerBinary(t, exitCode)

	return New(1, bin, 5*time.Second, ev, reg), store
}

func waitComplete(t *testing.T, p *Pool) int {
	t.Helper()
	select {
	case id := <-p.Completed:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for worker completion")
		return -1
	}
}

func TestTryDispatch_RunsSubprocessAndSucceeds(t *testing.T) {
	p, _ := newPool(t, 0)

	dir := t.TempDir()
	raw := filepath.Join(dir, "crate.msh.src")
	require.NoError(t, os.WriteFile(raw, []byte("x"), 0644))
	compiled := filepath.Join(dir, "crate.msh")

	req := request.New(resourceid.New("msh", "crate.msh"), 1, request.ManualCompile, raw, compiled, "", time.Now())
	require.True(t, p.TryDispatchAny(context.Background(), req))
	assert.Equal(t, Working, p.Worker(0).State())

	id := waitComplete(t, p)
	_, outcome := p.Worker(id).AcceptResult()
	assert.Equal(t, request.Succeeded, outcome.Status)
	assert.Equal(t, request.Succeeded, req.Status())
	assert.Equal(t, Idle, p.Worker(0).State())

	// A genuine compile must hand back a hash the scheduler can persist,
	// not just a success status -- otherwise nothing ever gets written to
	// the record store after a cold compile (spec §4.1 invariant 2).
	assert.True(t, outcome.HashValid)
	assert.NotZero(t, outcome.SourceTimestampHash)
}

func TestTryDispatch_FailureExitCode(t *testing.T) {
	p, _ := newPool(t, 16)

	dir := t.TempDir()
	raw := filepath.Join(dir, "crate.msh.src")
	require.NoError(t, os.WriteFile(raw, []byte("x"), 0644))

	req := request.New(resourceid.New("msh", "crate.msh"), 1, request.ManualCompile, raw, filepath.Join(dir, "crate.msh"), "", time.Now())
	require.True(t, p.TryDispatchAny(context.Background(), req))

	id := waitComplete(t, p)
	_, outcome := p.Worker(id).AcceptResult()
	assert.Equal(t, request.Failed, outcome.Status)
}

func TestTryDispatch_AllWorkersBusyReturnsFalse(t *testing.T) {
	p, _ := newPool(t, 0)
	dir := t.TempDir()
	raw := filepath.Join(dir, "crate.msh.src")
	require.NoError(t, os.WriteFile(raw, []byte("x"), 0644))

	req1 := request.New(resourceid.New("msh", "a.msh"), 1, request.ManualCompile, raw, filepath.Join(dir, "a.msh"), "", time.Now())
	req2 := request.New(resourceid.New("msh", "b.msh"), 1, request.ManualCompile, raw, filepath.Join(dir, "b.msh"), "", time.Now())

	require.True(t, p.TryDispatchAny(context.Background(), req1))
	assert.False(t, p.TryDispatchAny(context.Background(), req2))

	waitComplete(t, p)
}

func TestForcedRecompile_BypassesUpToDate(t *testing.T) {
	p, store := newPool(t, 0)

	dir := t.TempDir()
	raw := filepath.Join(dir, "crate.msh.src")
	require.NoError(t, os.WriteFile(raw, []byte("x"), 0644))
	compiled := filepath.Join(dir, "crate.msh")

	id := resourceid.New("msh", "crate.msh")
	// Pre-seed a record that would normally look up-to-date, but there's
	// no compiled artifact header on disk, so a non-forced request would
	// also need a compile. The forced flag's real job is asserted via
	// RequiresForcedRecompilation below alongside a real dispatch.
	require.NoError(t, store.Put(id, recordstore.Record{CompilerVersion: 1}))

	req := request.New(id, 1, request.ManualCompileForced, raw, compiled, "", time.Now())
	require.True(t, req.RequiresForcedRecompilation())

	require.True(t, p.TryDispatchAny(context.Background(), req))
	workerID := waitComplete(t, p)
	_, outcome := p.Worker(workerID).AcceptResult()
	assert.NotEqual(t, request.SucceededUpToDate, outcome.Status)
}
