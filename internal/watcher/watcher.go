// Package watcher implements the file-system watcher adapter (spec
// §4.3, component C4): debounced change events for the raw-resource
// tree, classified into scheduler-ready submissions.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"

	"github.com/resourced/resourced/internal/resourceid"
)

// logf renders a templated warning through the logger, matching the
// chained Msg-only calling convention used throughout this codebase.
func logf(logger arbor.ILogger, format string, args ...any) {
	logger.Warn().Msg(fmt.Sprintf(format, args...))
}

// Event is a debounced, classified change ready to become a FileWatcher
// origin request.
type Event struct {
	ResourceID resourceid.ID
	RawPath    string
}

// Watcher recursively observes rawRoot and emits Events once a file has
// gone quiescent for the configured debounce window. It provides two
// guarantees (§4.3): coalescing of bursty writes into one event, and
// at-least-once delivery after the last modification in a burst.
type Watcher struct {
	rawRoot    string
	debounce   time.Duration
	classifier func(path string) (resourceid.TypeTag, bool)
	logger     arbor.ILogger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	pendingMu sync.Mutex
	pending   map[string]time.Time

	events chan Event
}

// New constructs a Watcher rooted at rawRoot. classifier maps a raw
// file path to a ResourceID type tag, returning false for paths that
// should be ignored (e.g. no registered compiler handles the
// extension, or the path is a non-resource support file).
func New(rawRoot string, debounce time.Duration, classifier func(path string) (resourceid.TypeTag, bool), logger arbor.ILogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}

	return &Watcher{
		rawRoot:    rawRoot,
		debounce:   debounce,
		classifier: classifier,
		logger:     logger,
		fsw:        fsw,
		pending:    make(map[string]time.Time),
		events:     make(chan Event, 256),
	}, nil
}

// Events returns the channel the scheduler drains each tick.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins watching rawRoot recursively. Per §4.11 this happens
// last in the startup sequence, after the IPC server is already
// accepting connections.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	if err := w.addDirectories(); err != nil {
		return fmt.Errorf("watcher: add directories: %w", err)
	}

	go w.processRawEvents()
	go w.processDebounced()

	return nil
}

// Stop halts the watcher and closes the underlying fsnotify watcher,
// returning the error from that close, if any. Calling it on a watcher
// that is not running is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.fsw.Close()
}

func (w *Watcher) addDirectories() error {
	return filepath.Walk(w.rawRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			logf(w.logger, "watcher: cannot watch directory %s: %v", path, addErr)
		}
		return nil
	})
}

func (w *Watcher) processRawEvents() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.pendingMu.Lock()
			w.pending[ev.Name] = time.Now()
			w.pendingMu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logf(w.logger, "watcher: fsnotify error, attempting to continue: %v", err)
		}
	}
}

func (w *Watcher) processDebounced() {
	// A tick well under the debounce window keeps worst-case emission
	// latency close to debounce itself rather than debounce + tick.
	tickInterval := w.debounce / 4
	if tickInterval <= 0 {
		tickInterval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.flushQuiescent()
		}
	}
}

func (w *Watcher) flushQuiescent() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	now := time.Now()
	for path, lastMod := range w.pending {
		if now.Sub(lastMod) < w.debounce {
			continue
		}
		delete(w.pending, path)

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		id, ok := w.classify(path)
		if !ok {
			continue
		}

		select {
		case w.events <- Event{ResourceID: id, RawPath: path}:
		default:
			logf(w.logger, "watcher: event channel full, dropping event for %s", path)
		}
	}
}

func (w *Watcher) classify(path string) (resourceid.ID, bool) {
	rel := strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), strings.TrimSuffix(strings.ReplaceAll(w.rawRoot, "\\", "/"), "/")+"/")

	tag, ok := w.classifier(path)
	if !ok {
		return resourceid.ID{}, false
	}
	return resourceid.New(tag, rel), true
}
