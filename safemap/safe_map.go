// Package safemap provides a type-safe, concurrent map built on sync.Map.
// Besides plain store/load it offers the atomic detach operations the
// session and channel registries depend on: LoadOrStore, LoadAndDelete and
// Drain.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
//
// SafeMap must not be copied after first use. Len, Values and Drain are O(n)
// in the number of entries.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// Store sets the value for key k, overwriting any existing value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value for key k and whether it was present.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadOrStore returns the existing value for k if present. Otherwise it
// stores v and returns it. The loaded result is true if the value was
// loaded, false if stored.
//
// Parameters:
//   - k: The key to look up or store
//   - v: The value to store when k is absent
//
// Returns:
//   - The value now associated with k
//   - true if an existing value was returned
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	return actual.(V), loaded
}

// LoadAndDelete removes the entry for k and returns the value it held. Only
// one of several concurrent callers for the same key observes loaded=true.
//
// Parameters:
//   - k: The key to detach
//
// Returns:
//   - The removed value, or the zero value of V
//   - true if the key was present
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// CompareAndDelete removes the entry for k only if its value equals old.
// V must be a comparable type at run time (e.g. a pointer); sync.Map panics
// otherwise.
//
// Parameters:
//   - k: The key to delete
//   - old: The value the entry must still hold
//
// Returns:
//   - true if the entry was deleted
func (m *SafeMap[K, V]) CompareAndDelete(k K, old V) bool {
	return m.m.CompareAndDelete(k, old)
}

// Delete removes the entry for key k. Deleting a missing key is a no-op.
//
// Parameters:
//   - k: The key to delete
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, Range stops the iteration. f may modify the map; such
// modifications may or may not be observed by the ongoing iteration.
//
// Parameters:
//   - f: Function called for each entry; return false to stop iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len returns the number of entries in the map.
func (m *SafeMap[K, V]) Len() int {
	length := 0
	m.m.Range(func(_, _ any) bool {
		length++
		return true
	})

	return length
}

// Has reports whether key k is present in the map.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}

// Values returns a snapshot of the values currently stored. The map is
// left untouched.
func (m *SafeMap[K, V]) Values() []V {
	values := make([]V, 0)
	m.m.Range(func(_, v any) bool {
		values = append(values, v.(V))
		return true
	})

	return values
}

// Drain detaches every entry and returns the detached values. Entries
// stored concurrently with Drain are either returned or left in the map,
// never both, because each key is detached with LoadAndDelete.
//
// Returns:
//   - The values removed from the map
func (m *SafeMap[K, V]) Drain() []V {
	values := make([]V, 0)
	m.m.Range(func(k, _ any) bool {
		if v, loaded := m.m.LoadAndDelete(k); loaded {
			values = append(values, v.(V))
		}

		return true
	})

	return values
}

// NewSafeMap returns a new, empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}
