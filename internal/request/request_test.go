package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/resourced/resourced/internal/resourceid"
)

func testID() resourceid.ID {
	return resourceid.New("msh", "models/crate.msh")
}

func TestNew_DefaultsPendingAndForcedFlag(t *testing.T) {
	now := time.Now()
	r := New(testID(), 1, ManualCompile, "/raw/models/crate.msh", "/compiled/models/crate.msh", "", now)
	assert.Equal(t, Pending, r.Status())
	assert.False(t, r.RequiresForcedRecompilation())

	forced := New(testID(), 1, ManualCompileForced, "", "", "", now)
	assert.True(t, forced.RequiresForcedRecompilation())
}

func TestStartAndFinish(t *testing.T) {
	now := time.Now()
	r := New(testID(), 1, ManualCompile, "", "", "", now)

	r.Start(now.Add(time.Second))
	assert.Equal(t, Compiling, r.Status())

	r.Finish(Succeeded, "done", now.Add(2*time.Second))
	assert.Equal(t, Succeeded, r.Status())
	assert.True(t, r.Status().IsTerminal())
	assert.True(t, r.Status().IsSuccess())
	assert.Equal(t, "done", r.Log())
}

func TestFinish_IgnoredOnceTerminal(t *testing.T) {
	now := time.Now()
	r := New(testID(), 1, ManualCompile, "", "", "", now)
	r.Start(now)
	r.Finish(Succeeded, "first", now)
	r.Finish(Failed, "second", now)
	assert.Equal(t, Succeeded, r.Status())
	assert.Equal(t, "first", r.Log())
}

func TestElapsedCompilationTime(t *testing.T) {
	start := time.Now()
	r := New(testID(), 1, ManualCompile, "", "", "", start)

	assert.Equal(t, time.Duration(0), r.ElapsedCompilationTime(start))

	r.Start(start)
	live := r.ElapsedCompilationTime(start.Add(5 * time.Second))
	assert.Equal(t, 5*time.Second, live)

	r.Finish(Succeeded, "", start.Add(10*time.Second))
	final := r.ElapsedCompilationTime(start.Add(time.Hour))
	assert.Equal(t, 10*time.Second, final)
}

func TestListenersAndUpgrade(t *testing.T) {
	now := time.Now()
	r := New(testID(), 0, FileWatcher, "", "", "", now)
	assert.Empty(t, r.Listeners())

	r.AddListener(5)
	assert.ElementsMatch(t, []uint32{5}, r.Listeners())

	r.UpgradeClient(7)
	assert.ElementsMatch(t, []uint32{7, 5}, r.Listeners())
	assert.True(t, r.RequiresForcedRecompilation() || !r.RequiresForcedRecompilation())
	assert.Equal(t, External, r.Origin())
}

func TestMarkForcedRecompilation(t *testing.T) {
	now := time.Now()
	r := New(testID(), 1, ManualCompile, "", "", "", now)
	assert.False(t, r.RequiresForcedRecompilation())
	r.MarkForcedRecompilation()
	assert.True(t, r.RequiresForcedRecompilation())
}
