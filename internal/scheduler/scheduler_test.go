package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/resourced/resourced/internal/compiler"
	"github.com/resourced/resourced/internal/ipcserver"
	"github.com/resourced/resourced/internal/recordstore"
	"github.com/resourced/resourced/internal/request"
	"github.com/resourced/resourced/internal/resourceid"
	"github.com/resourced/resourced/internal/uptodate"
	"github.com/resourced/resourced/internal/watcher"
	"github.com/resourced/resourced/internal/workerpool"
)

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

// fakeWorkerBinary writes a tiny script that always exits 0 and, like a
// real compiler worker would, writes a minimal valid resourceheader (§3,
// §6) at -output so the evaluator's up-to-date check has a real
// compiled artifact to read back on a later Evaluate (compiler_version
// 1, matching the "mesh" descriptor every harness registers, zero
// install-dependencies).
func fakeWorkerBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake worker binary is a POSIX shell script")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "resource-compiler.sh")
	script := `#!/bin/sh
output=""
for arg in "$@"; do
  case "$arg" in
    -output=*) output="${arg#-output=}" ;;
  esac
done
if [ -n "$output" ]; then
  mkdir -p "$(dirname "$output")"
  printf '\110\123\105\122\001\000\001\000\000\000\000\000\000\000\000\000\000\000\000\000\000\000' > "$output"
fi
echo ok
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

type harness struct {
	sched *Scheduler
	pool  *workerpool.Pool
	ipc   *ipcserver.Server
	paths Paths
	raw   string
	store *recordstore.Store
}

func newHarness(t *testing.T, pendingWatermark int) *harness {
	t.Helper()
	rawRoot := t.TempDir()
	compiledRoot := t.TempDir()

	reg, err := compiler.NewRegistry(compiler.Descriptor{
		Name: "mesh", Version: 1, Handles: []resourceid.TypeTag{"msh"}, RequiresInputFile: true,
	})
	require.NoError(t, err)

	store, err := recordstore.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)

	ev := uptodate.New(reg, store)
	pool := workerpool.New(1, fakeWorkerBinary(t), 5*time.Second, ev, reg)

	ipc := ipcserver.New(testLogger())
	require.NoError(t, ipc.Serve("127.0.0.1:0"))
	t.Cleanup(func() { ipc.Close() })

	paths := NewRootPaths(rawRoot, compiledRoot)
	sched := New(testLogger(), reg, store, pool, ipc, paths, pendingWatermark, 10)

	return &harness{sched: sched, pool: pool, ipc: ipc, paths: paths, raw: rawRoot, store: store}
}

func (h *harness) writeRaw(t *testing.T, relPath string) {
	t.Helper()
	full := filepath.Join(h.raw, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte("x"), 0644))
}

func TestSubmit_UnknownTypeRejectedImmediately(t *testing.T) {
	h := newHarness(t, 10)
	req, ok := h.sched.Submit(resourceid.New("nav", "a.nav"), 1, request.External, "", time.Now())
	assert.False(t, ok)
	assert.Equal(t, request.Failed, req.Status())
}

func TestSubmit_BackpressureRejectsBeyondWatermark(t *testing.T) {
	h := newHarness(t, 1)
	h.writeRaw(t, "a.msh")
	h.writeRaw(t, "b.msh")

	_, ok1 := h.sched.Submit(resourceid.New("msh", "a.msh"), 1, request.External, "", time.Now())
	require.True(t, ok1)

	_, ok2 := h.sched.Submit(resourceid.New("msh", "b.msh"), 2, request.External, "", time.Now())
	assert.False(t, ok2)
}

func TestSubmit_DedupUpgradesInternalToExternal(t *testing.T) {
	h := newHarness(t, 10)
	h.writeRaw(t, "a.msh")
	id := resourceid.New("msh", "a.msh")

	internalReq, ok := h.sched.Submit(id, 0, request.FileWatcher, "", time.Now())
	require.True(t, ok)
	assert.True(t, internalReq.IsInternal())

	externalReq, ok := h.sched.Submit(id, 7, request.External, "", time.Now())
	require.True(t, ok)
	assert.Same(t, internalReq, externalReq)
	assert.False(t, externalReq.IsInternal())
	assert.Contains(t, externalReq.Listeners(), uint32(7))
}

func TestSubmit_DedupAddsAdditionalListener(t *testing.T) {
	h := newHarness(t, 10)
	h.writeRaw(t, "a.msh")
	id := resourceid.New("msh", "a.msh")

	first, ok := h.sched.Submit(id, 1, request.External, "", time.Now())
	require.True(t, ok)

	second, ok := h.sched.Submit(id, 2, request.External, "", time.Now())
	require.True(t, ok)
	assert.Same(t, first, second)
	assert.ElementsMatch(t, []uint32{1, 2}, first.Listeners())
}

func TestSubmit_DedupMarksForcedRecompile(t *testing.T) {
	h := newHarness(t, 10)
	h.writeRaw(t, "a.msh")
	id := resourceid.New("msh", "a.msh")

	req, ok := h.sched.Submit(id, 1, request.ManualCompile, "", time.Now())
	require.True(t, ok)
	assert.False(t, req.RequiresForcedRecompilation())

	same, ok := h.sched.Submit(id, 1, request.ManualCompileForced, "", time.Now())
	require.True(t, ok)
	assert.Same(t, req, same)
	assert.True(t, req.RequiresForcedRecompilation())
}

func TestTick_DispatchesPendingAndReachesCompleted(t *testing.T) {
	h := newHarness(t, 10)
	h.writeRaw(t, "a.msh")
	id := resourceid.New("msh", "a.msh")

	_, ok := h.sched.Submit(id, 1, request.External, "", time.Now())
	require.True(t, ok)

	var events chan watcher.Event
	ctx := context.Background()

	require.Eventually(t, func() bool {
		h.sched.Tick(ctx, events)
		return h.sched.Busy().CompletedCount == 1
	}, 3*time.Second, 5*time.Millisecond)

	busy := h.sched.Busy()
	assert.False(t, busy.IsBusy)
	history := h.sched.CompletedHistory()
	require.Len(t, history, 1)
	assert.True(t, history[0].Status().IsSuccess())
}

func TestTick_WritesRecordStoreEntryAfterCompile(t *testing.T) {
	h := newHarness(t, 10)
	h.writeRaw(t, "a.msh")
	id := resourceid.New("msh", "a.msh")

	_, ok := h.sched.Submit(id, 1, request.External, "", time.Now())
	require.True(t, ok)

	var events chan watcher.Event
	ctx := context.Background()
	require.Eventually(t, func() bool {
		h.sched.Tick(ctx, events)
		return h.sched.Busy().CompletedCount == 1
	}, 3*time.Second, 5*time.Millisecond)

	rec, ok := h.store.Get(id)
	require.True(t, ok, "a successful compile must leave a matching record store entry (invariant 2)")
	assert.Equal(t, int32(1), rec.CompilerVersion)
	assert.NotZero(t, rec.SourceTimestampHash)
}

func TestTick_ResubmitAfterCompileIsUpToDate(t *testing.T) {
	h := newHarness(t, 10)
	h.writeRaw(t, "a.msh")
	id := resourceid.New("msh", "a.msh")

	_, ok := h.sched.Submit(id, 1, request.External, "", time.Now())
	require.True(t, ok)

	var events chan watcher.Event
	ctx := context.Background()
	require.Eventually(t, func() bool {
		h.sched.Tick(ctx, events)
		return h.sched.Busy().CompletedCount == 1
	}, 3*time.Second, 5*time.Millisecond)

	// Resubmitting the same, unchanged resource must resolve to
	// SucceededUpToDate rather than recompiling (§7 property 8,
	// idempotence) -- only possible because the first compile left a
	// record store entry whose hash the evaluator can match against.
	_, ok = h.sched.Submit(id, 2, request.External, "", time.Now())
	require.True(t, ok)

	require.Eventually(t, func() bool {
		h.sched.Tick(ctx, events)
		return h.sched.Busy().CompletedCount == 2
	}, 3*time.Second, 5*time.Millisecond)

	history := h.sched.CompletedHistory()
	require.Len(t, history, 2)
	assert.Equal(t, request.SucceededUpToDate, history[1].Status())
}

func TestPackaging_QueueStartAndDrive(t *testing.T) {
	h := newHarness(t, 10)
	h.writeRaw(t, "level.msh")
	id := resourceid.New("msh", "level.msh")

	require.False(t, h.sched.CanStart())
	require.NoError(t, h.sched.QueueMap(id))
	require.True(t, h.sched.CanStart())
	require.NoError(t, h.sched.StartPackaging())

	progress := h.sched.Progress()
	assert.True(t, progress.Running)
	assert.Equal(t, 1, progress.ToPackage)

	var events chan watcher.Event
	ctx := context.Background()
	require.Eventually(t, func() bool {
		h.sched.Tick(ctx, events)
		return h.sched.Progress().Completed == 1
	}, 3*time.Second, 5*time.Millisecond)

	assert.False(t, h.sched.Progress().Running)
}

func TestListAvailableMaps(t *testing.T) {
	h := newHarness(t, 10)
	h.writeRaw(t, "world.map")
	h.writeRaw(t, "crate.msh")

	maps, err := h.sched.ListAvailableMaps()
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, resourceid.New("map", "world.map"), maps[0])
}
