package params

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Store holds the RunParameters of one run and enforces the
// initialize-once, read-many lifecycle: Set must succeed exactly once
// before Get, and the stored value never changes afterwards.
//
// A Store is safe for concurrent use. Reads after Set are lock-free.
type Store struct {
	budget Budget

	mu sync.Mutex // serializes Set
	rp atomic.Pointer[RunParameters]
}

// NewStore returns an uninitialized Store that will size runs under b.
func NewStore(b Budget) *Store {
	return &Store{budget: b}
}

// Set sizes a run over numFile files with estimated totals and stores the
// result. A failed Set leaves the store uninitialized.
func (s *Store) Set(numFile int) error {
	return s.SetWorkload(Workload{NumFile: numFile})
}

// SetWorkload is Set with known corpus totals.
func (s *Store) SetWorkload(w Workload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rp.Load() != nil {
		return ErrAlreadyInitialized
	}
	rp, err := Plan(w, s.budget)
	if err != nil {
		return fmt.Errorf("set_param: %w", err)
	}
	s.rp.Store(&rp)
	return nil
}

// Get returns the stored num_key, max_bucket, and c.
func (s *Store) Get() (numKey, maxBucket, c int, err error) {
	rp := s.rp.Load()
	if rp == nil {
		return 0, 0, 0, ErrNotInitialized
	}
	return rp.NumKey, rp.MaxBucket, rp.C, nil
}

// Params returns the full stored RunParameters.
func (s *Store) Params() (RunParameters, error) {
	rp := s.rp.Load()
	if rp == nil {
		return RunParameters{}, ErrNotInitialized
	}
	return *rp, nil
}
