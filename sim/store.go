package sim

import (
	"errors"
	"sync"
)

// ErrStoreClosed is returned by a StoreRef whose owning SharedStore has been
// closed.
var ErrStoreClosed = errors.New("shared store has been closed by its owner")

// SharedStore is the experiment-wide read-only dataset store. The
// ExperimentController is its only owner; everything else observes it
// through non-owning StoreRef handles so that no other component can extend
// its lifetime.
type SharedStore struct {
	mu       sync.RWMutex
	datasets map[string][]byte
	closed   bool
}

// NewSharedStore builds a store over the given datasets. The byte slices
// are shared, never copied; callers must not mutate them afterwards.
func NewSharedStore(datasets map[string][]byte) *SharedStore {
	if datasets == nil {
		datasets = make(map[string][]byte)
	}
	return &SharedStore{datasets: datasets}
}

// Observe hands out a non-owning reference to the store.
func (s *SharedStore) Observe() StoreRef {
	return StoreRef{store: s}
}

// Close invalidates the store. Every StoreRef fails from this point on.
func (s *SharedStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.datasets = nil
}

// StoreRef is a non-owning observer handle onto a SharedStore. Holding one
// does not keep the store alive: once the owner closes, every access fails
// cleanly instead of resurrecting the data.
type StoreRef struct {
	store *SharedStore
}

// Dataset returns the named dataset, or ErrStoreClosed once the owner is
// gone.
func (r StoreRef) Dataset(name string) ([]byte, error) {
	if r.store == nil {
		return nil, ErrStoreClosed
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if r.store.closed {
		return nil, ErrStoreClosed
	}
	data, ok := r.store.datasets[name]
	if !ok {
		return nil, nil
	}
	return data, nil
}

// Valid reports whether the owning store is still open.
func (r StoreRef) Valid() bool {
	if r.store == nil {
		return false
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return !r.store.closed
}
