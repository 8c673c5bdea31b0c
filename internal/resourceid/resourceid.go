// Package resourceid implements the canonical identifier and path model
// for raw and compiled resources (spec §3, component C1).
package resourceid

import (
	"fmt"
	"path"
	"strings"
)

// TypeTag is a 4-character resource-type code, e.g. "msh", "nav", "map".
type TypeTag string

const dataRootPrefix = "data://"

// ID pairs a resource type with a virtual path rooted at "data://".
// IDs are value types: comparable with ==, usable as map keys, and
// totally ordered via Less.
type ID struct {
	typeTag TypeTag
	path    string // forward-slash path beneath the virtual data root, no leading slash
}

// New builds an ID from a type tag and a virtual path (with or without
// the "data://" prefix or a leading slash).
func New(typeTag TypeTag, virtualPath string) ID {
	return ID{
		typeTag: typeTag,
		path:    normalizePath(virtualPath),
	}
}

// Parse parses a canonical "data://foo/bar.msh" string, inferring the
// type tag from the file extension. Returns an error if the path has no
// extension to infer a type tag from.
func Parse(s string) (ID, error) {
	p := normalizePath(s)
	ext := path.Ext(p)
	if len(ext) < 2 {
		return ID{}, fmt.Errorf("resourceid: cannot infer type tag from %q", s)
	}
	tag := TypeTag(strings.TrimPrefix(ext, "."))
	return ID{typeTag: tag, path: p}, nil
}

func normalizePath(s string) string {
	s = strings.TrimPrefix(s, dataRootPrefix)
	s = strings.ReplaceAll(s, "\\", "/")
	s = strings.TrimPrefix(s, "/")
	return path.Clean(s)
}

// IsValid reports whether the ID has both a type tag and a non-empty path.
func (id ID) IsValid() bool {
	return id.typeTag != "" && id.path != "" && id.path != "."
}

// Type returns the resource-type tag.
func (id ID) Type() TypeTag { return id.typeTag }

// Path returns the virtual path beneath the data root (no "data://" prefix).
func (id ID) Path() string { return id.path }

// String renders the canonical "data://foo/bar.msh" form. Two IDs that
// compare equal always render to the same string and vice versa.
func (id ID) String() string {
	return dataRootPrefix + id.path
}

// Less provides a total order over IDs, primarily for deterministic
// iteration and test output.
func (id ID) Less(other ID) bool {
	if id.path != other.path {
		return id.path < other.path
	}
	return id.typeTag < other.typeTag
}

// RawPath translates this ID to an absolute path under rawRoot.
func (id ID) RawPath(rawRoot string) string {
	return path.Join(rawRoot, id.path)
}

// CompiledPath translates this ID to an absolute path under compiledRoot.
func (id ID) CompiledPath(compiledRoot string) string {
	return path.Join(compiledRoot, id.path)
}

// FromRawPath recovers an ID from an absolute raw-root path, or false if
// filePath does not lie under rawRoot.
func FromRawPath(rawRoot, filePath string) (ID, bool) {
	return fromRoot(rawRoot, filePath)
}

// FromCompiledPath recovers an ID from an absolute compiled-root path, or
// false if filePath does not lie under compiledRoot.
func FromCompiledPath(compiledRoot, filePath string) (ID, bool) {
	return fromRoot(compiledRoot, filePath)
}

func fromRoot(root, filePath string) (ID, bool) {
	root = strings.ReplaceAll(root, "\\", "/")
	filePath = strings.ReplaceAll(filePath, "\\", "/")
	root = strings.TrimSuffix(root, "/")
	if !strings.HasPrefix(filePath, root+"/") {
		return ID{}, false
	}
	rel := strings.TrimPrefix(filePath, root+"/")
	id, err := Parse(rel)
	if err != nil {
		return ID{}, false
	}
	return id, true
}
