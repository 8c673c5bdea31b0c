package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/resourced/resourced/internal/request"
	"github.com/resourced/resourced/internal/resourceheader"
	"github.com/resourced/resourced/internal/resourceid"
)

// mapTypeTag is the ResourceID type tag for packaging seeds (§1: "maps").
const mapTypeTag resourceid.TypeTag = "map"

// ListAvailableMaps walks the raw root for every "map"-typed resource,
// the original engine's RefreshAvailableMapList/GetAllFoundMaps feature
// (§2 supplemented feature) reimagined as a stateless, on-demand query.
func (s *Scheduler) ListAvailableMaps() ([]resourceid.ID, error) {
	s.mu.Lock()
	rawRoot := s.paths.RawRoot()
	s.mu.Unlock()

	var ids []resourceid.ID
	err := filepath.Walk(rawRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		id, ok := resourceid.FromRawPath(rawRoot, path)
		if !ok || id.Type() != mapTypeTag {
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list available maps: %w", err)
	}
	return ids, nil
}

// packagingState is the Packaging Session of §3/§4.10 (component C10):
// expands a seed set of maps into the full install-closure and drives
// it to completion as forced recompiles, entirely as scheduler
// submissions layered on top of the normal pipeline (§1).
type packagingState struct {
	queued    map[resourceid.ID]bool // maps_queued, before expansion starts
	toPackage map[resourceid.ID]bool // resources_to_package, the expanded closure
	done      map[resourceid.ID]bool // completed_packaging_requests
	running   bool
}

func newPackagingState() *packagingState {
	return &packagingState{
		queued:    make(map[resourceid.ID]bool),
		toPackage: make(map[resourceid.ID]bool),
		done:      make(map[resourceid.ID]bool),
	}
}

// QueueMap adds a map ResourceID to the queued set (§2 supplemented
// feature: independent queue/dequeue before a run starts).
func (s *Scheduler) QueueMap(id resourceid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packaging != nil && s.packaging.running {
		return fmt.Errorf("scheduler: cannot queue map while packaging is running")
	}
	if s.packaging == nil {
		s.packaging = newPackagingState()
	}
	s.packaging.queued[id] = true
	return nil
}

// DequeueMap removes id from the queued set, if present and no run is active.
func (s *Scheduler) DequeueMap(id resourceid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packaging == nil {
		return nil
	}
	if s.packaging.running {
		return fmt.Errorf("scheduler: cannot dequeue map while packaging is running")
	}
	delete(s.packaging.queued, id)
	return nil
}

// CanStart reports whether StartPackaging's precondition holds: not
// already running and the queued set is non-empty (§4.10).
func (s *Scheduler) CanStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canStartLocked()
}

func (s *Scheduler) canStartLocked() bool {
	return s.packaging != nil && !s.packaging.running && len(s.packaging.queued) > 0
}

// StartPackaging runs the §4.10 expansion algorithm synchronously
// (frontier walk over install-dependencies, visited set keyed by
// ResourceID so cycles silently collapse per §9), then flips
// is_packaging true so the next Tick begins driving it.
func (s *Scheduler) StartPackaging() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canStartLocked() {
		return fmt.Errorf("scheduler: packaging precondition not met")
	}

	frontier := make([]resourceid.ID, 0, len(s.packaging.queued))
	for id := range s.packaging.queued {
		frontier = append(frontier, id)
	}

	visited := make(map[resourceid.ID]bool)
	for len(frontier) > 0 {
		r := frontier[0]
		frontier = frontier[1:]
		if visited[r] {
			continue
		}
		visited[r] = true

		deps := s.installDependenciesLocked(r)
		frontier = append(frontier, deps...)
	}

	s.packaging.toPackage = visited
	s.packaging.done = make(map[resourceid.ID]bool)
	s.packaging.running = true
	return nil
}

// installDependenciesLocked reads the compiled artifact header if
// present, falling back to the compiler's source-descriptor enumeration
// (§4.10 step 2).
func (s *Scheduler) installDependenciesLocked(id resourceid.ID) []resourceid.ID {
	compiledPath := s.paths.CompiledPath(id)
	if _, err := os.Stat(compiledPath); err == nil {
		if header, err := resourceheader.ReadFile(compiledPath); err == nil {
			return header.InstallDependencies
		}
	}

	desc, ok := s.registry.Lookup(id.Type())
	if !ok || desc.EnumerateInstallDependencies == nil {
		return nil
	}
	deps, err := desc.EnumerateInstallDependencies(id, s.paths.RawPath(id))
	if err != nil {
		return nil
	}
	return deps
}

// advancePackaging is §4.8 step 5 / §4.10's driving phase.
func (s *Scheduler) advancePackaging(ctx context.Context) {
	p := s.packaging
	if p == nil || !p.running {
		return
	}

	for id := range p.toPackage {
		if p.done[id] {
			continue
		}
		if _, active := s.byID[id]; active {
			continue
		}
		s.submitLocked(id, 0, request.Package, "", time.Now())
	}

	if len(p.done) == len(p.toPackage) {
		p.running = false
	}
}

// recordCompletion marks id done once its Package-origin request
// reaches a terminal status (§4.10: a Failed compile still counts as
// complete so progress advances to 1.0).
func (p *packagingState) recordCompletion(req *request.Request) {
	if req.Origin() != request.Package {
		return
	}
	if !req.Status().IsTerminal() {
		return
	}
	p.done[req.ResourceID()] = true
}

// PackagingProgress reports the §3 progress fraction and running state.
type PackagingProgress struct {
	Queued    int
	ToPackage int
	Completed int
	Running   bool
}

// Progress returns the current packaging session snapshot.
func (s *Scheduler) Progress() PackagingProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packaging == nil {
		return PackagingProgress{}
	}
	return PackagingProgress{
		Queued:    len(s.packaging.queued),
		ToPackage: len(s.packaging.toPackage),
		Completed: len(s.packaging.done),
		Running:   s.packaging.running,
	}
}
