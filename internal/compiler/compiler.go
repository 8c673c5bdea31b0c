// Package compiler implements the compiler registry (spec §4.2,
// component C3): the static, immutable-after-startup catalog of which
// resource types the server knows how to build.
package compiler

import (
	"fmt"

	"github.com/resourced/resourced/internal/resourceid"
)

// Descriptor is the capability set a compiler value exposes to the
// scheduler and worker pool (spec §9: "polymorphism over compilers").
// All compiler types share a single fixed worker binary (§6); a
// Descriptor only carries the metadata needed to select and invoke it,
// not a distinct executable of its own.
type Descriptor struct {
	// Name is a human-readable identifier for logs and the status API.
	Name string
	// Version participates in up-to-date computation (§4.2): bumping it
	// invalidates every record produced by an older version of this
	// compiler for its handled types.
	Version int32
	// Handles lists the ResourceID type tags this compiler builds.
	Handles []resourceid.TypeTag
	// RequiresInputFile is false for compilers that synthesize output
	// without reading a raw-root source file (rare, but the capability
	// set has to account for it per §4.2).
	RequiresInputFile bool

	// EnumerateCompileDependencies asks the compiler for the set of raw
	// source-side files (beyond rawPath itself) whose modification
	// should invalidate the cached artifact (§4.7 step 5). A lightweight
	// descriptor parse, never a full compile. Nil defaults to just
	// rawPath.
	EnumerateCompileDependencies func(id resourceid.ID, rawPath string) ([]string, error)

	// EnumerateInstallDependencies asks the compiler for the runtime
	// install-dependency closure of a resource when no compiled header
	// is available to read it from (§4.10 step 2 fallback). Nil means
	// the compiler never declares install-dependencies outside its
	// artifact header.
	EnumerateInstallDependencies func(id resourceid.ID, rawPath string) ([]resourceid.ID, error)
}

// Registry is the immutable, lookup-by-type-tag catalog built once at
// startup (§4.2: "no locking needed" once constructed).
type Registry struct {
	byType map[resourceid.TypeTag]Descriptor
}

// NewRegistry builds a Registry from descriptors. Returns an error if
// two descriptors claim the same type tag — the catalog has exactly one
// compiler per resource type.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	byType := make(map[resourceid.TypeTag]Descriptor)
	for _, d := range descriptors {
		for _, tag := range d.Handles {
			if existing, ok := byType[tag]; ok {
				return nil, fmt.Errorf("compiler: type tag %q claimed by both %q and %q", tag, existing.Name, d.Name)
			}
			byType[tag] = d
		}
	}
	return &Registry{byType: byType}, nil
}

// Lookup returns the descriptor registered for tag, if any.
func (r *Registry) Lookup(tag resourceid.TypeTag) (Descriptor, bool) {
	d, ok := r.byType[tag]
	return d, ok
}

// Handles reports whether tag has a registered compiler. Used by the
// scheduler and the watcher adapter to reject/ignore unknown types
// (§4.3, §7 UnknownResourceType).
func (r *Registry) Handles(tag resourceid.TypeTag) bool {
	_, ok := r.byType[tag]
	return ok
}

// All returns every registered descriptor, deduplicated (a compiler
// handling multiple types appears once).
func (r *Registry) All() []Descriptor {
	seen := make(map[string]bool, len(r.byType))
	out := make([]Descriptor, 0, len(r.byType))
	for _, d := range r.byType {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out
}

// Count returns the number of distinct registered type tags.
func (r *Registry) Count() int {
	return len(r.byType)
}
