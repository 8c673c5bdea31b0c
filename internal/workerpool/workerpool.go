// Package workerpool implements the bounded worker pool (spec §4.6,
// component C7): each worker wraps one compiler subprocess lifecycle on
// its own dedicated goroutine and reports completion back to the
// scheduler thread.
package workerpool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resourced/resourced/internal/compiler"
	"github.com/resourced/resourced/internal/request"
	"github.com/resourced/resourced/internal/resourceid"
	"github.com/resourced/resourced/internal/uptodate"
)

// State is a worker's lifecycle state (spec §3 Worker: Idle -> Working
// -> Complete -> Idle).
type State int32

const (
	Idle State = iota
	Working
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Working:
		return "Working"
	case Complete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Subprocess compiler exit codes (spec §6).
const (
	exitSucceeded             = 0
	exitSucceededWithWarnings = 1
	exitSucceededUpToDate     = 2
	exitFailedThreshold       = 16
)

// Outcome is the raw result a worker hands back to the scheduler on
// Complete -> Idle; the scheduler maps it onto request.Status.
type Outcome struct {
	Status request.Status
	Log    string
	// SourceTimestampHash is set when the up-to-date check
	// short-circuited, or when a real compile succeeded and the hash was
	// computed afterwards, so the scheduler can write a record without
	// recomputing it.
	SourceTimestampHash uint64
	HashValid           bool
}

// Worker owns one compiler-subprocess slot. Only the scheduler thread
// calls TryDispatch/AcceptResult; a worker's own goroutine performs the
// up-to-date check and subprocess wait (§4.6, §5).
type Worker struct {
	id    int
	state atomic.Int32 // State, read by the scheduler for UI (§4.6 "atomic-readable")

	workerBinaryPath  string
	subprocessTimeout time.Duration
	evaluator         *uptodate.Evaluator
	registry          *compiler.Registry

	current *request.Request

	resultMu sync.Mutex
	result   Outcome

	// completed is signalled (worker ID) when the worker transitions to
	// Complete, substituting for the condition-variable the spec
	// describes (§4.6).
	completed chan<- int
}

// Pool is the bounded set of N workers (§4.6, default 16).
type Pool struct {
	workers []*Worker
	// Completed carries worker IDs whose subprocess has finished; the
	// scheduler drains it each tick (§4.8 step 2).
	Completed chan int
}

// New constructs a Pool of size workers sharing workerBinaryPath,
// subprocessTimeout, evaluator, and registry.
func New(size int, workerBinaryPath string, subprocessTimeout time.Duration, evaluator *uptodate.Evaluator, registry *compiler.Registry) *Pool {
	completed := make(chan int, size)
	p := &Pool{workers: make([]*Worker, size), Completed: completed}
	for i := 0; i < size; i++ {
		p.workers[i] = &Worker{
			id:                i,
			workerBinaryPath:  workerBinaryPath,
			subprocessTimeout: subprocessTimeout,
			evaluator:         evaluator,
			registry:          registry,
			completed:         completed,
		}
	}
	return p
}

// Size returns the configured pool size.
func (p *Pool) Size() int { return len(p.workers) }

// WorkingCount returns how many workers are currently Working. It never
// exceeds Size, since the pool itself is the bound on concurrent
// compiles (invariant 5).
func (p *Pool) WorkingCount() int {
	n := 0
	for _, w := range p.workers {
		if w.State() == Working {
			n++
		}
	}
	return n
}

// TryDispatchAny finds an Idle worker and dispatches req to it, per
// §4.8 step 3's FIFO pop-and-assign. Returns false if every worker is
// busy.
func (p *Pool) TryDispatchAny(ctx context.Context, req *request.Request) bool {
	for _, w := range p.workers {
		if w.TryDispatch(ctx, req) {
			return true
		}
	}
	return false
}

// Worker returns the worker with the given ID, for UI/status reporting.
func (p *Pool) Worker(id int) *Worker {
	if id < 0 || id >= len(p.workers) {
		return nil
	}
	return p.workers[id]
}

// Workers returns all workers, for status reporting (§2 "per-worker
// UI-visible status row").
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// ID returns the worker's index within the pool.
func (w *Worker) ID() int { return w.id }

// CurrentResourceID reports the ResourceID of the request this worker
// is processing, if any (status-API row per the supplemented "worker
// status" feature).
func (w *Worker) CurrentResourceID() (resourceid.ID, bool) {
	if w.current == nil {
		return resourceid.ID{}, false
	}
	return w.current.ResourceID(), true
}

// TryDispatch transitions Idle -> Working and starts the worker's
// dedicated goroutine. Returns false if the worker was not Idle.
func (w *Worker) TryDispatch(ctx context.Context, req *request.Request) bool {
	if !w.state.CompareAndSwap(int32(Idle), int32(Working)) {
		return false
	}
	w.current = req
	req.Start(time.Now())

	go w.run(ctx, req)
	return true
}

// run executes the two phases described in §4.6: an up-to-date check,
// and, if needed, a real compile. It always ends by flipping the
// worker to Complete and signalling the pool.
func (w *Worker) run(ctx context.Context, req *request.Request) {
	outcome := w.evaluateAndCompile(ctx, req)

	w.resultMu.Lock()
	w.result = outcome
	w.resultMu.Unlock()

	w.state.Store(int32(Complete))
	w.completed <- w.id
}

func (w *Worker) evaluateAndCompile(ctx context.Context, req *request.Request) Outcome {
	if !req.RequiresForcedRecompilation() {
		decision := w.evaluator.Evaluate(req.ResourceID(), req.SourcePath(), req.DestinationPath())
		req.AppendLog(decision.Reason)
		if decision.Status == uptodate.UpToDate {
			return Outcome{Status: request.SucceededUpToDate, Log: decision.Reason, SourceTimestampHash: decision.SourceTimestampHash, HashValid: true}
		}
	}

	return w.compile(ctx, req)
}

// compile spawns the fixed worker binary with the invocation contract
// of §6: `-compile -type=<4cc> -input=... -output=... [-force] [-platform=...]`.
func (w *Worker) compile(ctx context.Context, req *request.Request) Outcome {
	desc, ok := w.registry.Lookup(req.ResourceID().Type())
	if !ok {
		return Outcome{Status: request.Failed, Log: fmt.Sprintf("no compiler for type %q", req.ResourceID().Type())}
	}

	args := buildArgs(req, desc)

	runCtx := ctx
	var cancel context.CancelFunc
	if w.subprocessTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, w.subprocessTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, w.workerBinaryPath, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return Outcome{Status: request.Failed, Log: output.String() + "\nsubprocess timed out"}
	}

	var status request.Status
	switch {
	case err == nil:
		status = mapExitCode(exitSucceeded)
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = mapExitCode(exitErr.ExitCode())
		} else {
			return Outcome{Status: request.Failed, Log: output.String() + "\n" + err.Error()}
		}
	}

	if !status.IsSuccess() {
		return Outcome{Status: status, Log: output.String()}
	}

	// A cold compile has no prior record store entry for Evaluate's step
	// 6 to have computed a hash against, so compute one now over the same
	// compile-dependency set Evaluate would enumerate -- without this the
	// scheduler has nothing valid to persist and the very next Evaluate
	// call finds "no record store entry" and recompiles again (§4.7,
	// §4.1 invariant 2, §7 property 8 idempotence).
	hash, hashErr := w.evaluator.ComputeSourceTimestampHash(req.ResourceID(), req.SourcePath())
	if hashErr != nil {
		// Leave HashValid false: writing a record with a hash that
		// doesn't actually describe the current sources would make a
		// future Evaluate wrongly call the resource up to date.
		return Outcome{Status: status, Log: output.String() + fmt.Sprintf("\nwarning: failed to compute source hash for record store: %v", hashErr)}
	}

	return Outcome{Status: status, Log: output.String(), SourceTimestampHash: hash, HashValid: true}
}

func mapExitCode(code int) request.Status {
	switch {
	case code == exitSucceeded:
		return request.Succeeded
	case code == exitSucceededWithWarnings:
		return request.SucceededWithWarnings
	case code == exitSucceededUpToDate:
		return request.SucceededUpToDate
	case code >= exitFailedThreshold:
		return request.Failed
	default:
		return request.Failed
	}
}

func buildArgs(req *request.Request, desc compiler.Descriptor) []string {
	args := []string{
		"-compile",
		fmt.Sprintf("-type=%s", req.ResourceID().Type()),
		fmt.Sprintf("-output=%s", req.DestinationPath()),
	}
	if desc.RequiresInputFile {
		args = append(args, fmt.Sprintf("-input=%s", req.SourcePath()))
	}
	if req.RequiresForcedRecompilation() {
		args = append(args, "-force")
	}
	if req.CompilerArgs() != "" {
		args = append(args, req.CompilerArgs())
	}
	return args
}

// AcceptResult is called by the scheduler thread once it observes
// Complete; it returns the outcome and transitions the worker back to
// Idle, stamping compilation_finished on req (§4.6).
func (w *Worker) AcceptResult() (*request.Request, Outcome) {
	req := w.current
	w.resultMu.Lock()
	outcome := w.result
	w.resultMu.Unlock()

	req.Finish(outcome.Status, outcome.Log, time.Now())

	w.current = nil
	w.state.Store(int32(Idle))
	return req, outcome
}
