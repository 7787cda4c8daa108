package config

import (
	"sync/atomic"
)

// Store publishes the active provider snapshot. Readers call Snapshot and get
// a consistent, immutable view; Reload swaps the pointer atomically so
// in-flight requests keep the snapshot they started with.
type Store struct {
	path string
	snap atomic.Pointer[Snapshot]
}

// NewStore loads the snapshot at path and returns a store publishing it.
func NewStore(path string) (*Store, error) {
	snap, err := LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	st := &Store{path: path}
	st.snap.Store(snap)
	return st, nil
}

// NewStoreWith wraps an already-parsed snapshot. Used by tests.
func NewStoreWith(snap *Snapshot) *Store {
	st := &Store{}
	st.snap.Store(snap)
	return st
}

// Snapshot returns the currently published snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Path returns the snapshot file path, empty for test stores.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the snapshot file and publishes it. When the file is
// missing or invalid the running snapshot stays in effect and the error is
// returned to the caller.
func (s *Store) Reload() (*Snapshot, error) {
	snap, err := LoadSnapshot(s.path)
	if err != nil {
		return nil, err
	}
	s.snap.Store(snap)
	return snap, nil
}
