// Package region tracks which virtual address ranges belong to live
// mappings. The registry sits on the fault hot path, so lookups take a
// read lock over a sorted slice and binary search; inserts and removals
// are rare (one per Map/Unmap).
package region

import (
	"errors"
	"sort"
	"sync"
)

// ErrOverlap is returned when a registration would overlap a live region.
var ErrOverlap = errors.New("region overlaps an existing registration")

type entry[T any] struct {
	base  uintptr
	limit uintptr // base + length
	value T
}

// Registry maps address ranges to per-region handles of type T.
// Safe for concurrent use; lookups never observe a half-inserted entry.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries []entry[T] // sorted by base, non-overlapping
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Register inserts [base, base+length). Fails with ErrOverlap if the range
// intersects a registered region.
func (r *Registry[T]) Register(base, length uintptr, value T) error {
	if length == 0 {
		return errors.New("region: zero-length registration")
	}
	limit := base + length

	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].base >= base
	})
	if i > 0 && r.entries[i-1].limit > base {
		return ErrOverlap
	}
	if i < len(r.entries) && r.entries[i].base < limit {
		return ErrOverlap
	}

	r.entries = append(r.entries, entry[T]{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = entry[T]{base: base, limit: limit, value: value}
	return nil
}

// Lookup returns the handle owning addr, if any.
func (r *Registry[T]) Lookup(addr uintptr) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].limit > addr
	})
	if i < len(r.entries) && r.entries[i].base <= addr {
		return r.entries[i].value, true
	}
	var zero T
	return zero, false
}

// LookupBase returns the handle whose region starts exactly at base.
// Unmap uses this so that interior pointers are rejected.
func (r *Registry[T]) LookupBase(base uintptr) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].base >= base
	})
	if i < len(r.entries) && r.entries[i].base == base {
		return r.entries[i].value, true
	}
	var zero T
	return zero, false
}

// Unregister removes the region starting at base and returns its handle.
func (r *Registry[T]) Unregister(base uintptr) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].base >= base
	})
	if i < len(r.entries) && r.entries[i].base == base {
		v := r.entries[i].value
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		return v, true
	}
	var zero T
	return zero, false
}

// Len returns the number of registered regions.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
