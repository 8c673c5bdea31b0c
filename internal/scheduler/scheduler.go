// Package scheduler implements the central state machine (spec §4.8,
// component C9): it accepts requests, deduplicates, picks workers,
// drives the pending -> active -> completed pipeline, notifies clients,
// and persists records.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/resourced/resourced/internal/compiler"
	"github.com/resourced/resourced/internal/ipcserver"
	"github.com/resourced/resourced/internal/recordstore"
	"github.com/resourced/resourced/internal/request"
	"github.com/resourced/resourced/internal/resourceid"
	"github.com/resourced/resourced/internal/watcher"
	"github.com/resourced/resourced/internal/workerpool"
)

// Paths resolves a ResourceID to the absolute raw/compiled paths the
// scheduler hands to workers. Kept as an injectable seam so tests don't
// need a real raw/compiled root pair.
type Paths interface {
	RawPath(id resourceid.ID) string
	CompiledPath(id resourceid.ID) string
	RawRoot() string
}

// rootPaths is the production Paths implementation.
type rootPaths struct {
	rawRoot, compiledRoot string
}

// NewRootPaths builds the standard raw-root/compiled-root path
// translator (spec §3 ResourcePath).
func NewRootPaths(rawRoot, compiledRoot string) Paths {
	return rootPaths{rawRoot: rawRoot, compiledRoot: compiledRoot}
}

func (p rootPaths) RawPath(id resourceid.ID) string      { return id.RawPath(p.rawRoot) }
func (p rootPaths) CompiledPath(id resourceid.ID) string { return id.CompiledPath(p.compiledRoot) }
func (p rootPaths) RawRoot() string                      { return p.rawRoot }

// defaultHistoryLimit bounds the completed list retained for UI/status
// purposes (§4.8 step 6, "retain most recent N").
const defaultHistoryLimit = 500

// Scheduler is the tick-driven orchestrator. All of its mutable state
// is guarded by mu: Tick does the pipeline work, and Submit and the
// packaging controls (QueueMap, DequeueMap, StartPackaging), which the
// status API calls from its own goroutines, take the same lock.
type Scheduler struct {
	mu sync.Mutex

	logger   arbor.ILogger
	registry *compiler.Registry
	store    *recordstore.Store
	pool     *workerpool.Pool
	ipc      *ipcserver.Server
	paths    Paths

	pendingWatermark int
	historyLimit     int

	pending   []*request.Request
	active    map[int]*request.Request // worker ID -> request
	completed []*request.Request
	byID      map[resourceid.ID]*request.Request // pending+active membership, for dedup

	packaging *packagingState
}

// New constructs a Scheduler. pendingWatermark implements the
// backpressure guard of §9; historyLimit <= 0 uses the default.
func New(logger arbor.ILogger, registry *compiler.Registry, store *recordstore.Store, pool *workerpool.Pool, ipc *ipcserver.Server, paths Paths, pendingWatermark, historyLimit int) *Scheduler {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Scheduler{
		logger:           logger,
		registry:         registry,
		store:            store,
		pool:             pool,
		ipc:              ipc,
		paths:            paths,
		pendingWatermark: pendingWatermark,
		historyLimit:     historyLimit,
		active:           make(map[int]*request.Request),
		byID:             make(map[resourceid.ID]*request.Request),
	}
}

// Submit implements create_request (§4.8): validates, deduplicates, and
// enqueues. Returns the request (new or the deduplicated existing one).
// ok=false means the submission was rejected outright (unknown type or
// backpressure); the returned request is then already terminal Failed,
// with the reason in its log, and its listeners have been notified.
func (s *Scheduler) Submit(id resourceid.ID, clientID uint32, origin request.Origin, compilerArgs string, now time.Time) (*request.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitLocked(id, clientID, origin, compilerArgs, now)
}

func (s *Scheduler) submitLocked(id resourceid.ID, clientID uint32, origin request.Origin, compilerArgs string, now time.Time) (*request.Request, bool) {
	if !s.registry.Handles(id.Type()) {
		rejected := request.New(id, clientID, origin, "", "", compilerArgs, now)
		rejected.FinishImmediate(request.Failed, "no compiler for type "+string(id.Type()), now)
		s.notifyTerminal(rejected)
		return rejected, false
	}

	if existing, ok := s.byID[id]; ok {
		s.dedupe(existing, clientID, origin)
		return existing, true
	}

	if len(s.pending) >= s.pendingWatermark {
		rejected := request.New(id, clientID, origin, "", "", compilerArgs, now)
		rejected.FinishImmediate(request.Failed, "backpressure", now)
		s.notifyTerminal(rejected)
		return rejected, false
	}

	req := request.New(id, clientID, origin, s.paths.RawPath(id), s.paths.CompiledPath(id), compilerArgs, now)
	s.pending = append(s.pending, req)
	s.byID[id] = req
	return req, true
}

// dedupe implements §4.8's dedup rules against an existing pending/active request.
func (s *Scheduler) dedupe(existing *request.Request, clientID uint32, origin request.Origin) {
	if existing.IsInternal() && origin == request.External {
		existing.UpgradeClient(clientID)
	} else if clientID != 0 {
		existing.AddListener(clientID)
	}
	if origin == request.ManualCompileForced && !existing.RequiresForcedRecompilation() {
		existing.MarkForcedRecompilation()
	}
}

// notifyTerminal sends ResourceRequestComplete for req to every
// listener: the primary client (if external) and any clients attached
// by deduplication. Sends to disconnected clients are dropped
// (invariant 3).
func (s *Scheduler) notifyTerminal(req *request.Request) {
	for _, clientID := range req.Listeners() {
		s.ipc.Send(clientID, ipcserver.NewResourceRequestComplete(req.ResourceID(), req.Status(), req.DestinationPath()))
	}
}

// Tick performs one iteration of the §4.8 pipeline. Called at high
// frequency by the lifecycle component (C11); never blocks.
func (s *Scheduler) Tick(ctx context.Context, watcherEvents <-chan watcher.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ingestInbound()
	s.ingestWatcherEvents(watcherEvents)
	s.drainCompletedWorkers()
	s.dispatchPending(ctx)
	s.advancePackaging(ctx)
	s.trimCompleted()
}

// ingestInbound is step 1: drain IPC RequestResource messages.
func (s *Scheduler) ingestInbound() {
	for {
		select {
		case in := <-s.ipc.Inbound():
			if in.Message.ID != ipcserver.MsgRequestResource {
				continue
			}
			id, err := ipcserver.DecodeResourceID(in.Message.Payload)
			if err != nil {
				continue
			}
			s.submitLocked(id, in.ClientID, request.External, "", time.Now())
		default:
			return
		}
	}
}

// ingestWatcherEvents merges file-watcher events into the same tick
// boundary (§5: "two events for the same ResourceID in the same tick
// collapse to one request" — submitLocked's dedup already guarantees
// this since pending/active membership is checked per call).
func (s *Scheduler) ingestWatcherEvents(events <-chan watcher.Event) {
	if events == nil {
		return
	}
	for {
		select {
		case ev := <-events:
			s.submitLocked(ev.ResourceID, 0, request.FileWatcher, "", time.Now())
		default:
			return
		}
	}
}

// drainCompletedWorkers is step 2.
func (s *Scheduler) drainCompletedWorkers() {
	for {
		select {
		case workerID := <-s.pool.Completed:
			s.acceptWorkerResult(workerID)
		default:
			return
		}
	}
}

func (s *Scheduler) acceptWorkerResult(workerID int) {
	w := s.pool.Worker(workerID)
	if w == nil {
		return
	}
	req, outcome := w.AcceptResult()
	delete(s.active, workerID)
	delete(s.byID, req.ResourceID())

	if req.Status().IsSuccess() && outcome.HashValid {
		s.writeRecordLocked(req, outcome)
	}

	s.completed = append(s.completed, req)

	if req.Origin() == request.FileWatcher && req.Status().IsSuccess() {
		s.ipc.Broadcast(ipcserver.NewResourceUpdated(req.ResourceID()))
	}

	s.notifyTerminal(req)

	if s.packaging != nil {
		s.packaging.recordCompletion(req)
	}
}

// writeRecordLocked persists an updated record after a successful
// compile or up-to-date confirmation (§4.1, invariant 2: durable before
// the client is notified — notifyTerminal runs after this in
// acceptWorkerResult).
func (s *Scheduler) writeRecordLocked(req *request.Request, outcome workerpool.Outcome) {
	desc, ok := s.registry.Lookup(req.ResourceID().Type())
	if !ok {
		return
	}
	rec := recordstore.Record{
		CompilerVersion:     desc.Version,
		SourceTimestampHash: outcome.SourceTimestampHash,
		InstallDependencies: s.installDependenciesLocked(req.ResourceID()),
		LastSuccessTimeUnix: time.Now().Unix(),
	}
	if err := s.store.Put(req.ResourceID(), rec); err != nil {
		s.logger.Warn().Msg("scheduler: failed to persist record: " + err.Error())
	}
}

// dispatchPending is step 3: FIFO pop while any worker is idle.
func (s *Scheduler) dispatchPending(ctx context.Context) {
	for len(s.pending) > 0 {
		req := s.pending[0]
		dispatched := false
		for _, w := range s.pool.Workers() {
			if w.State() != workerpool.Idle {
				continue
			}
			if w.TryDispatch(ctx, req) {
				s.active[w.ID()] = req
				dispatched = true
				break
			}
		}
		if !dispatched {
			return
		}
		s.pending = s.pending[1:]
	}
}

// trimCompleted is step 6.
func (s *Scheduler) trimCompleted() {
	if len(s.completed) > s.historyLimit {
		s.completed = s.completed[len(s.completed)-s.historyLimit:]
	}
}

// BusyState is step 7's exposed summary (invariant 4: is_busy iff
// pending+active > 0).
type BusyState struct {
	PendingCount   int
	ActiveCount    int
	CompletedCount int
	IsBusy         bool
}

// Busy returns the current busy-state snapshot.
func (s *Scheduler) Busy() BusyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BusyState{
		PendingCount:   len(s.pending),
		ActiveCount:    len(s.active),
		CompletedCount: len(s.completed),
		IsBusy:         len(s.pending)+len(s.active) > 0,
	}
}

// CompletedHistory returns a snapshot of recently completed requests,
// most recent last, for the status API.
func (s *Scheduler) CompletedHistory() []*request.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*request.Request, len(s.completed))
	copy(out, s.completed)
	return out
}
