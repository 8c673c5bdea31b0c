package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resourced/resourced/internal/compiler"
	"github.com/resourced/resourced/internal/config"
	"github.com/resourced/resourced/internal/resourceid"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.DataDir = dir
	cfg.Server.PIDFile = filepath.Join(dir, "resourced.pid")
	cfg.Paths.RawResourcePath = filepath.Join(dir, "raw")
	cfg.Paths.CompiledResourcePath = filepath.Join(dir, "compiled")
	cfg.Paths.CompiledRecordDBPath = filepath.Join(dir, "records.db")
	cfg.Paths.WorkerBinaryPath = "resource-compiler"
	cfg.Watcher.Enabled = false
	cfg.Status.Enabled = false
	return cfg
}

func noopClassify(path string) (resourceid.TypeTag, bool) { return "", false }

func TestDaemon_StartStopLifecycle(t *testing.T) {
	cfg := testConfig(t)
	d, err := NewDaemon(cfg, []compiler.Descriptor{
		{Name: "mesh", Version: 1, Handles: []resourceid.TypeTag{"msh"}},
	})
	require.NoError(t, err)

	require.NoError(t, d.Start(noopClassify))
	assert.NotNil(t, d.Scheduler())
	assert.Empty(t, d.LastFatalError())

	_, err = os.Stat(cfg.PIDPath())
	assert.NoError(t, err)

	d.Stop()

	_, err = os.Stat(cfg.PIDPath())
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_RefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	d1, err := NewDaemon(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d1.Start(noopClassify))
	defer d1.Stop()

	d2, err := NewDaemon(cfg, nil)
	require.NoError(t, err)
	err = d2.Start(noopClassify)
	assert.Error(t, err)
	assert.NotEmpty(t, d2.LastFatalError())
}

func TestDaemon_DrainsPendingBeforeShutdown(t *testing.T) {
	cfg := testConfig(t)
	d, err := NewDaemon(cfg, []compiler.Descriptor{
		{Name: "mesh", Version: 1, Handles: []resourceid.TypeTag{"msh"}},
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(noopClassify))

	// No resources are submitted, so the scheduler is already idle;
	// Stop should return promptly rather than waiting out shutdownGrace.
	start := time.Now()
	d.Stop()
	assert.Less(t, time.Since(start), shutdownGrace)
}
