// Package uptodate implements the up-to-date evaluator (spec §4.7,
// component C8): decides whether a compiled artifact can be reused or
// must be rebuilt.
package uptodate

import (
	"fmt"
	"hash/fnv"
	"os"

	"github.com/resourced/resourced/internal/compiler"
	"github.com/resourced/resourced/internal/recordstore"
	"github.com/resourced/resourced/internal/resourceheader"
	"github.com/resourced/resourced/internal/resourceid"
)

// Status is the evaluator's verdict.
type Status int

const (
	UpToDate Status = iota
	NeedsCompile
)

// Decision carries the verdict plus enough bookkeeping for the caller
// to write an updated record after a real compile, and a human-readable
// reason suitable for the request log.
type Decision struct {
	Status Status
	Reason string

	// SourceTimestampHash is the freshly computed hash. It is set only
	// when the evaluator reached step 6 (a record existed and the hash
	// was computed): on UpToDate, and on a NeedsCompile caused by a hash
	// mismatch. Every earlier NeedsCompile leaves it zero; after a real
	// compile the worker pool computes the hash with
	// ComputeSourceTimestampHash instead.
	SourceTimestampHash uint64
}

// Evaluator implements the §4.7 procedure against a record store and
// compiler registry.
type Evaluator struct {
	registry *compiler.Registry
	store    *recordstore.Store
}

// New constructs an Evaluator.
func New(registry *compiler.Registry, store *recordstore.Store) *Evaluator {
	return &Evaluator{registry: registry, store: store}
}

// Evaluate runs the 7-step procedure of §4.7 for id, whose raw and
// compiled absolute paths are rawPath/compiledPath.
func (e *Evaluator) Evaluate(id resourceid.ID, rawPath, compiledPath string) Decision {
	// Step 1: compiled artifact must exist.
	if _, err := os.Stat(compiledPath); err != nil {
		return Decision{Status: NeedsCompile, Reason: "compiled artifact does not exist"}
	}

	// Step 2: read the header.
	header, err := resourceheader.ReadFile(compiledPath)
	if err != nil {
		return Decision{Status: NeedsCompile, Reason: fmt.Sprintf("failed to read compiled header: %v", err)}
	}

	// Step 3: compiler version must match current registry version.
	desc, ok := e.registry.Lookup(id.Type())
	if !ok {
		return Decision{Status: NeedsCompile, Reason: "no compiler registered for type"}
	}
	if header.CompilerVersion != desc.Version {
		return Decision{Status: NeedsCompile, Reason: "compiler version mismatch, artifact stale"}
	}

	// Step 4: a record must exist for this ID.
	record, ok := e.store.Get(id)
	if !ok {
		return Decision{Status: NeedsCompile, Reason: "no record store entry"}
	}

	// Step 5: enumerate compile-dependencies.
	depPaths, err := enumerateCompileDeps(desc, id, rawPath)
	if err != nil {
		return Decision{Status: NeedsCompile, Reason: fmt.Sprintf("warning: compile-dependency enumeration failed: %v", err)}
	}

	// Step 6: compute and compare the source timestamp hash.
	hash, err := sourceTimestampHash(depPaths)
	if err != nil {
		return Decision{Status: NeedsCompile, Reason: fmt.Sprintf("source file missing or unreadable: %v", err)}
	}
	if hash != record.SourceTimestampHash {
		return Decision{Status: NeedsCompile, Reason: "source or compile-dependency modified", SourceTimestampHash: hash}
	}

	// Step 7: up-to-date.
	return Decision{Status: UpToDate, Reason: "matches record store entry", SourceTimestampHash: hash}
}

// ComputeSourceTimestampHash enumerates id's compile-dependencies and
// hashes their modified-times the same way Evaluate's step 5/6 does. The
// worker pool calls this after a real compile succeeds, since Evaluate
// itself only reaches step 6 when a record already exists to compare
// against -- a cold compile has none yet, but still needs a hash written
// to the record store so the next Evaluate can find it (§4.7, §4.1
// invariant 2).
func (e *Evaluator) ComputeSourceTimestampHash(id resourceid.ID, rawPath string) (uint64, error) {
	desc, ok := e.registry.Lookup(id.Type())
	if !ok {
		return 0, fmt.Errorf("no compiler registered for type %q", id.Type())
	}
	depPaths, err := enumerateCompileDeps(desc, id, rawPath)
	if err != nil {
		return 0, err
	}
	return sourceTimestampHash(depPaths)
}

func enumerateCompileDeps(desc compiler.Descriptor, id resourceid.ID, rawPath string) ([]string, error) {
	if desc.EnumerateCompileDependencies == nil {
		return []string{rawPath}, nil
	}
	deps, err := desc.EnumerateCompileDependencies(id, rawPath)
	if err != nil {
		return nil, err
	}
	// rawPath itself always participates even if the compiler's
	// enumeration forgets it.
	for _, d := range deps {
		if d == rawPath {
			return deps, nil
		}
	}
	return append([]string{rawPath}, deps...), nil
}

// sourceTimestampHash computes a deterministic 64-bit hash over the
// modified-times of paths, in the order given (§4.7 step 6). Missing
// files are reported as an error: per spec, a missing compile-dep makes
// the resource un-compileable and forces NeedsCompile.
func sourceTimestampHash(paths []string) (uint64, error) {
	h := fnv.New64a()
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
		fmt.Fprintf(h, "%s:%d", p, info.ModTime().UnixNano())
	}
	return h.Sum64(), nil
}
