// Package inflight tracks component keys that are actively being
// constructed. The set is the guard that turns a re-entrant request for a
// key into a detectable cycle instead of a deadlock or infinite recursion.
package inflight

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrActive is returned by Begin when the key is already tracked.
	ErrActive = errors.New("inflight: key already active")
	// ErrNotActive is returned by End when the key is not tracked.
	ErrNotActive = errors.New("inflight: key not active")
)

// Set is a concurrency-safe registry of in-flight construction keys.
//
// Keys can be excluded from tracking: Begin and End become no-ops for an
// excluded key and Contains reports false for it. Exclusion exists for
// infrastructure components that are produced outside the normal pipeline
// and must not trip cycle detection.
type Set struct {
	mu       sync.Mutex
	active   map[string]struct{}
	excluded map[string]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{
		active:   make(map[string]struct{}),
		excluded: make(map[string]struct{}),
	}
}

// Begin marks key as in-flight. It fails with ErrActive when the key is
// already tracked, which callers treat as an unresolvable cycle.
func (s *Set) Begin(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, skip := s.excluded[key]; skip {
		return nil
	}
	if _, ok := s.active[key]; ok {
		return fmt.Errorf("%w: %q", ErrActive, key)
	}
	s.active[key] = struct{}{}
	return nil
}

// End clears the in-flight mark for key. It fails with ErrNotActive when
// the key was never tracked, which indicates unbalanced Begin/End calls.
func (s *Set) End(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, skip := s.excluded[key]; skip {
		return nil
	}
	if _, ok := s.active[key]; !ok {
		return fmt.Errorf("%w: %q", ErrNotActive, key)
	}
	delete(s.active, key)
	return nil
}

// Contains reports whether key is currently tracked. Excluded keys always
// report false.
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, skip := s.excluded[key]; skip {
		return false
	}
	_, ok := s.active[key]
	return ok
}

// Exclude adds or removes key from the exclusion list. Excluding a key does
// not clear an existing in-flight mark; it only suppresses tracking from
// that point on.
func (s *Set) Exclude(key string, excluded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if excluded {
		s.excluded[key] = struct{}{}
		return
	}
	delete(s.excluded, key)
}

// Snapshot returns the tracked keys in sorted order.
func (s *Set) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.active))
	for k := range s.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of tracked keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
