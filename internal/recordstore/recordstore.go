// Package recordstore implements the compiled-resource record store
// (spec §3, §4.1, component C2): the durable map from ResourceID to the
// bookkeeping the up-to-date evaluator needs to decide whether a compiled
// artifact is still current.
package recordstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/resourced/resourced/internal/resourceid"
)

// Record is the persisted bookkeeping for one compiled resource (§4.1).
type Record struct {
	CompilerVersion     int32           `json:"compiler_version"`
	SourceTimestampHash uint64          `json:"source_timestamp_hash"`
	InstallDependencies []resourceid.ID `json:"install_dependencies,omitempty"`
	LastSuccessTimeUnix int64           `json:"last_success_time_unix"`
}

// entry is the on-disk wire shape: the ID doesn't round-trip through a
// Go map key in JSON, so it rides alongside the record as a string.
type entry struct {
	ID     string `json:"id"`
	Record Record `json:"record"`
}

// Store is a concurrency-safe, crash-durable keyed store of Records.
// Per §4.1's concurrency note it is single-writer (the scheduler) with
// multi-reader access (workers evaluating up-to-date-ness): every read
// takes a snapshot under RLock rather than handing out a live pointer.
type Store struct {
	mu      sync.RWMutex
	records map[resourceid.ID]Record
	path    string

	// corruptionErr is non-nil when load() had to rebuild the table empty
	// because the file on disk existed but couldn't be read.
	corruptionErr error
}

// Open loads a Store from path. A missing file yields an empty store; a
// corrupt one does too (§6: "corruption causes the store to be rebuilt
// empty (warning logged)", §7 RecordStoreCorruption: "recoverable ...
// store is reset, all resources will look out-of-date") rather than
// aborting startup. Open itself has no logger to warn through; callers
// check CorruptionError and log it themselves (see service.Daemon.Start).
func Open(path string) (*Store, error) {
	s := &Store{
		records: make(map[resourceid.ID]Record),
		path:    path,
	}
	s.load()
	return s, nil
}

// load populates s.records from disk. Any failure past "file does not
// exist" -- a damaged zstd stream, truncated JSON, whatever -- is
// swallowed and reported via corruptionErr rather than returned, so the
// caller always gets a usable (if empty) store back.
func (s *Store) load() {
	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.corruptionErr = fmt.Errorf("recordstore: open %s: %w", s.path, err)
		}
		return
	}
	defer f.Close()

	dec, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		s.corruptionErr = fmt.Errorf("recordstore: init decompressor: %w", err)
		return
	}
	defer dec.Close()

	var entries []entry
	if err := json.NewDecoder(dec).Decode(&entries); err != nil {
		s.corruptionErr = fmt.Errorf("recordstore: decode %s: %w", s.path, err)
		s.records = make(map[resourceid.ID]Record)
		return
	}

	for _, e := range entries {
		id, err := resourceid.Parse(e.ID)
		if err != nil {
			continue
		}
		s.records[id] = e.Record
	}
}

// CorruptionError returns the error load() encountered, if the store on
// disk was unreadable and had to be rebuilt empty. Callers (daemon
// startup) use this to log the §7 RecordStoreCorruption warning.
func (s *Store) CorruptionError() error {
	return s.corruptionErr
}

// flush persists the full table. The caller must hold at least RLock.
// Writes to a temp file and renames into place so a crash mid-write
// never leaves the store file truncated or half-written (§4.1: a
// power-loss must never leave the runtime believing something is
// up-to-date when the record store does not say so).
func (s *Store) flush() error {
	entries := make([]entry, 0, len(s.records))
	for id, rec := range s.records {
		entries = append(entries, entry{ID: id.String(), Record: rec})
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("recordstore: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".records-*.tmp")
	if err != nil {
		return fmt.Errorf("recordstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("recordstore: init compressor: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(entries); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("recordstore: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("recordstore: flush compressor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("recordstore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("recordstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("recordstore: rename into place: %w", err)
	}
	return nil
}

// Get returns a snapshot copy of the record for id, if present.
func (s *Store) Get(id resourceid.ID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Put writes rec for id and flushes to disk before returning, giving
// write-through durability: a caller that observes Put succeed knows the
// record survives a crash.
func (s *Store) Put(id resourceid.ID, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = rec
	return s.flush()
}

// Delete removes the record for id, if any, and flushes to disk.
func (s *Store) Delete(id resourceid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	return s.flush()
}

// Snapshot returns a point-in-time copy of the full table, safe for a
// caller to range over without holding the store's lock.
func (s *Store) Snapshot() map[resourceid.ID]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[resourceid.ID]Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}

// Count returns the number of tracked records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
