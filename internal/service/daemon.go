// Package service provides the core service lifecycle management:
// settings and startup/shutdown ordering (spec §4.11, component C11).
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/resourced/resourced/internal/compiler"
	"github.com/resourced/resourced/internal/config"
	"github.com/resourced/resourced/internal/ipcserver"
	"github.com/resourced/resourced/internal/logger"
	"github.com/resourced/resourced/internal/recordstore"
	"github.com/resourced/resourced/internal/resourceid"
	"github.com/resourced/resourced/internal/scheduler"
	"github.com/resourced/resourced/internal/statusapi"
	"github.com/resourced/resourced/internal/uptodate"
	"github.com/resourced/resourced/internal/watcher"
	"github.com/resourced/resourced/internal/workerpool"
)

// shutdownGrace bounds how long a still-Working worker is given before
// the daemon stops waiting on it during shutdown (§4.11: "stop workers
// (kill subprocesses if still Working after a short grace)").
const shutdownGrace = 5 * time.Second

// tickIdleSleep is the idle sleep spec §5 describes: "the outer shell
// sleeps 1 ms and re-ticks". The tick loop compares the scheduler's
// BusyState before and after each Tick and only sleeps when nothing
// changed, so a busy server re-ticks immediately rather than paying
// this sleep on every iteration.
const tickIdleSleep = time.Millisecond

// Classifier maps a changed raw file's path (as the watcher reports it,
// under the raw root) to the ResourceID type tag it should be submitted
// as, or false if the watcher should ignore it.
// Supplied by the caller (cmd/resourced) since only it knows the
// server's configured type-tag-by-extension mapping.
type Classifier func(path string) (resourceid.TypeTag, bool)

// Daemon owns the full resourced lifecycle: config, record store,
// compiler registry, worker pool, IPC server, watcher, scheduler, and
// the status HTTP surface, started and stopped in the strict order
// spec §4.11 requires.
type Daemon struct {
	cfg    *config.Config
	logger arbor.ILogger

	registry *compiler.Registry
	store    *recordstore.Store
	pool     *workerpool.Pool
	ipc      *ipcserver.Server
	watch    *watcher.Watcher
	sched    *scheduler.Scheduler
	status   *http.Server

	mu      sync.Mutex
	running bool

	lastFatalMu sync.Mutex
	lastFatal   string

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewDaemon constructs a Daemon. descriptors is the compiler registry's
// static catalog, supplied by the entrypoint, which owns the concrete
// set of compilers this deployment ships.
func NewDaemon(cfg *config.Config, descriptors []compiler.Descriptor) (*Daemon, error) {
	registry, err := compiler.NewRegistry(descriptors...)
	if err != nil {
		return nil, fmt.Errorf("service: build compiler registry: %w", err)
	}

	return &Daemon{
		cfg:       cfg,
		registry:  registry,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

// Start runs the §4.11 startup sequence: config is already loaded by
// the caller; record store, compiler registry (already built in
// NewDaemon), worker pool, IPC server, file-system watcher, in that
// order. Only after every component is live does it start serving.
func (d *Daemon) Start(classify Classifier) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("service: daemon already running")
	}
	d.mu.Unlock()

	if err := d.cfg.Validate(); err != nil {
		return d.fatal(fmt.Errorf("service: invalid config: %w", err))
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return d.fatal(fmt.Errorf("service: ensure directories: %w", err))
	}
	if err := d.acquireSingleton(); err != nil {
		return d.fatal(err)
	}

	d.logger = logger.Setup(d.cfg)

	store, err := recordstore.Open(d.cfg.Paths.CompiledRecordDBPath)
	if err != nil {
		return d.fatal(fmt.Errorf("service: open record store: %w", err))
	}
	if cerr := store.CorruptionError(); cerr != nil {
		d.logger.Warn().Msg("service: record store corrupt, rebuilt empty: " + cerr.Error())
	}
	d.store = store

	evaluator := uptodate.New(d.registry, d.store)
	d.pool = workerpool.New(
		d.cfg.Compilation.MaxSimultaneousCompilationTasks,
		d.cfg.Paths.WorkerBinaryPath,
		time.Duration(d.cfg.Compilation.SubprocessTimeoutSeconds)*time.Second,
		evaluator,
		d.registry,
	)

	d.ipc = ipcserver.New(d.logger)
	if err := d.ipc.Serve(d.cfg.Address()); err != nil {
		return d.fatal(fmt.Errorf("service: start IPC server: %w", err))
	}

	paths := scheduler.NewRootPaths(d.cfg.Paths.RawResourcePath, d.cfg.Paths.CompiledResourcePath)
	d.sched = scheduler.New(d.logger, d.registry, d.store, d.pool, d.ipc, paths,
		d.cfg.Compilation.PendingWatermark, 0)

	if d.cfg.Watcher.Enabled {
		w, err := watcher.New(
			d.cfg.Paths.RawResourcePath,
			time.Duration(d.cfg.Watcher.DebounceMs)*time.Millisecond,
			classify,
			d.logger,
		)
		if err != nil {
			return d.fatal(fmt.Errorf("service: build watcher: %w", err))
		}
		if err := w.Start(); err != nil {
			return d.fatal(fmt.Errorf("service: start watcher: %w", err))
		}
		d.watch = w
	}

	if d.cfg.Status.Enabled {
		statusSrv := statusapi.NewServer(d.cfg, d.sched, d.pool, d.LastFatalError)
		d.status = &http.Server{
			Addr:         d.cfg.Status.Address,
			Handler:      statusSrv.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			if err := d.status.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Warn().Msg("service: status HTTP server error: " + err.Error())
			}
		}()
	}

	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	go d.tickLoop()

	d.logger.Warn().Msg(fmt.Sprintf("resourced listening on %s", d.cfg.Address()))
	return nil
}

// tickLoop is the top-level tick C11 drives the scheduler with (§4.8,
// §5): run one Tick, and only sleep tickIdleSleep if nothing happened,
// so a busy server re-ticks immediately.
func (d *Daemon) tickLoop() {
	ctx := context.Background()
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		before := d.sched.Busy()
		d.sched.Tick(ctx, d.watcherEvents())
		after := d.sched.Busy()

		if before == after {
			time.Sleep(tickIdleSleep)
		}
	}
}

func (d *Daemon) watcherEvents() <-chan watcher.Event {
	if d.watch == nil {
		return nil
	}
	return d.watch.Events()
}

// Stop performs the §4.11 shutdown sequence: stop the watcher first so
// no new FileWatcher submissions arrive, close the IPC server to new
// connections, let the tick loop drain pending/active work (bounded by
// shutdownGrace), then persist the record store and release the
// singleton lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	close(d.stopCh)

	if d.watch != nil {
		d.watch.Stop()
	}

	// The IPC listener and the status HTTP surface are independent of
	// each other; shut both down concurrently rather than paying their
	// drain/close latencies back to back.
	var g errgroup.Group
	if d.ipc != nil {
		g.Go(func() error {
			return d.ipc.Close()
		})
	}
	if d.status != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.status.Shutdown(ctx)
		})
	}
	if err := g.Wait(); err != nil && d.logger != nil {
		d.logger.Warn().Msg(fmt.Sprintf("service: error during shutdown: %v", err))
	}

	d.drainPending()

	if d.logger != nil {
		d.logger.Warn().Msg("service: shutdown complete")
	}
	logger.Stop()

	d.releaseSingleton()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	close(d.stoppedCh)
}

// drainPending waits up to shutdownGrace for the scheduler to go idle;
// the record store is write-through so nothing further is needed to
// persist in-flight successes once draining stops.
func (d *Daemon) drainPending() {
	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		if !d.sched.Busy().IsBusy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Wait blocks until Stop is called or a termination signal is
// received, then runs shutdown.
func (d *Daemon) Wait(signals <-chan os.Signal) {
	select {
	case <-signals:
	case <-d.stoppedCh:
		return
	}
	d.Stop()
}

// fatal records err as the last fatal startup error (surfaced on
// /health, the supplemented "GetErrorMessage" feature) and returns it.
func (d *Daemon) fatal(err error) error {
	d.lastFatalMu.Lock()
	d.lastFatal = err.Error()
	d.lastFatalMu.Unlock()
	return err
}

// LastFatalError returns the most recent fatal startup error message,
// or "" if none occurred.
func (d *Daemon) LastFatalError() string {
	d.lastFatalMu.Lock()
	defer d.lastFatalMu.Unlock()
	return d.lastFatal
}

// Scheduler exposes the daemon's scheduler (nil before Start). The
// `resourced package` subcommand does not use it; it drives a running
// server over the status API instead.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.sched }

// --- PID-file singleton guard (spec §4.11: "an OS-level lock ensures
// only one server instance runs per machine") ---

func (d *Daemon) acquireSingleton() error {
	running, pid := IsRunning(d.cfg)
	if running {
		return fmt.Errorf("service: resourced already running (pid %d)", pid)
	}
	return d.writePID()
}

func (d *Daemon) releaseSingleton() {
	_ = os.Remove(d.cfg.PIDPath())
}

func (d *Daemon) writePID() error {
	pidPath := d.cfg.PIDPath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0755); err != nil {
		return fmt.Errorf("service: create PID directory: %w", err)
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// IsRunning checks whether a resourced instance is already running,
// per the PID file recorded in cfg.
func IsRunning(cfg *config.Config) (bool, int) {
	pidPath := cfg.PIDPath()

	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(pidPath)
		return false, 0
	}

	return true, pid
}

// StopRunning sends SIGTERM to a running resourced instance and waits
// for it to exit, force-killing after a timeout. Used by the `resourced
// stop` CLI subcommand against a separate process.
func StopRunning(cfg *config.Config) error {
	running, pid := IsRunning(cfg)
	if !running {
		return fmt.Errorf("service: resourced not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("service: find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("service: send signal: %w", err)
	}

	for i := 0; i < 100; i++ {
		time.Sleep(100 * time.Millisecond)
		if running, _ := IsRunning(cfg); !running {
			return nil
		}
	}

	if err := process.Kill(); err != nil {
		return fmt.Errorf("service: kill process: %w", err)
	}
	_ = os.Remove(cfg.PIDPath())
	return nil
}
