// Package registry issues identity-stable values keyed by composite keys.
//
// A Registry returns the same value for the same key for as long as the
// entry is held. Holds come from explicit Retain calls and from open
// subscriptions; when the last hold is released the entry is evicted and the
// next lookup creates a fresh value. Entries that were looked up but never
// held stay cached until Sweep.
package registry

import "sync"

type entry[V any] struct {
	value V
	holds int
}

// Registry is a reference-counted cache of values keyed by K.
type Registry[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
}

// New returns an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{entries: make(map[K]*entry[V])}
}

// GetOrCreate returns the value cached for key, calling create on a miss.
// create runs with the registry locked and must not call back into it.
func (r *Registry[K, V]) GetOrCreate(key K, create func() V) V {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.value
	}
	e := &entry[V]{value: create()}
	r.entries[key] = e
	return e.value
}

// Lookup returns the cached value for key, if any.
func (r *Registry[K, V]) Lookup(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Retain adds a hold on key. It reports false when key is not cached.
func (r *Registry[K, V]) Retain(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.holds++
	return true
}

// Release drops a hold on key and evicts the entry when no hold remains.
// It reports whether the entry was evicted.
func (r *Registry[K, V]) Release(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	if e.holds > 0 {
		e.holds--
	}
	if e.holds == 0 {
		delete(r.entries, key)
		return true
	}
	return false
}

// Holds returns the number of holds on key.
func (r *Registry[K, V]) Holds(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.holds
	}
	return 0
}

// Sweep evicts every entry without holds and returns how many were evicted.
func (r *Registry[K, V]) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.entries {
		if e.holds == 0 {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear evicts every entry regardless of holds.
func (r *Registry[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[K]*entry[V])
}
