// Package safeset provides a concurrent set with claim semantics: Add
// reports whether the caller inserted the element, so the set can serve as
// a registry of identifiers that must not be used twice.
package safeset

import "sync"

// SafeSet is a thread-safe set of unique comparable elements.
type SafeSet[T comparable] struct {
	m map[T]struct{}
	sync.RWMutex
}

// NewSafeSet creates and returns a new empty SafeSet.
func NewSafeSet[T comparable]() *SafeSet[T] {
	return &SafeSet[T]{m: make(map[T]struct{})}
}

// Add inserts value into the set.
//
// Parameters:
//   - value: The element to add
//
// Returns:
//   - true if value was inserted, false if it was already present
func (s *SafeSet[T]) Add(value T) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[value]; ok {
		return false
	}

	s.m[value] = struct{}{}
	return true
}

// Remove deletes value from the set.
//
// Parameters:
//   - value: The element to remove
//
// Returns:
//   - true if value was present
func (s *SafeSet[T]) Remove(value T) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[value]; !ok {
		return false
	}

	delete(s.m, value)
	return true
}

// Contains reports whether the set contains value.
func (s *SafeSet[T]) Contains(value T) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.m[value]
	return ok
}

// Size returns the number of elements in the set.
func (s *SafeSet[T]) Size() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.m)
}

// Members returns a snapshot of the elements in unspecified order.
func (s *SafeSet[T]) Members() []T {
	s.RLock()
	defer s.RUnlock()
	members := make([]T, 0, len(s.m))
	for k := range s.m {
		members = append(members, k)
	}

	return members
}

// Reset removes all elements from the set.
func (s *SafeSet[T]) Reset() {
	s.Lock()
	defer s.Unlock()
	s.m = make(map[T]struct{})
}
