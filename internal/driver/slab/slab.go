// Package slab implements a generation-tagged arena the Conductor uses to
// hold Publications and Images by integer handle instead
// of pointer, so the control protocol can reference driver-side resources
// by a stable int64 without exposing pointers across the wire and without
// the cyclic-reference headaches of plain pointers (an Image references
// its parent Subscription, a Subscription references many Images).
// Grounded on nonchalant's internal/core/bus/registry.go keyed-lookup
// registry, generalized from a map[string]*Stream to a generation-checked
// slab so a stale handle from a since-removed entry is detectably invalid
// rather than silently resolving to a reused slot.
package slab

// Handle references one live entry in a Slab. The zero Handle is never
// valid.
type Handle struct {
	index int32
	gen   int32
}

// Valid reports whether h could possibly reference something (it does not
// check liveness against any particular Slab; use Slab.Get for that).
func (h Handle) Valid() bool { return h.gen != 0 }

type entry[T any] struct {
	value T
	gen   int32
	used  bool
}

// Slab is a generation-checked arena of values addressed by Handle.
type Slab[T any] struct {
	entries []entry[T]
	free    []int32
}

// New returns an empty slab.
func New[T any]() *Slab[T] {
	return &Slab[T]{}
}

// Insert stores value and returns a Handle for retrieving it later.
func (s *Slab[T]) Insert(value T) Handle {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		e := &s.entries[idx]
		e.value = value
		e.used = true
		return Handle{index: idx, gen: e.gen}
	}
	idx := int32(len(s.entries))
	s.entries = append(s.entries, entry[T]{value: value, gen: 1, used: true})
	return Handle{index: idx, gen: 1}
}

// Get returns the value for h and whether h is still live. A handle for a
// since-removed entry, or one reused by a later Insert, reports ok=false.
func (s *Slab[T]) Get(h Handle) (value T, ok bool) {
	if int(h.index) < 0 || int(h.index) >= len(s.entries) {
		return value, false
	}
	e := &s.entries[h.index]
	if !e.used || e.gen != h.gen {
		return value, false
	}
	return e.value, true
}

// Remove invalidates h's entry and frees the slot for reuse with a bumped
// generation, so any other outstanding handle to the same slot becomes
// stale.
func (s *Slab[T]) Remove(h Handle) bool {
	if int(h.index) < 0 || int(h.index) >= len(s.entries) {
		return false
	}
	e := &s.entries[h.index]
	if !e.used || e.gen != h.gen {
		return false
	}
	var zero T
	e.value = zero
	e.used = false
	e.gen++
	s.free = append(s.free, h.index)
	return true
}

// Each calls fn for every live entry in index order. fn must not call
// Insert or Remove on the same slab.
func (s *Slab[T]) Each(fn func(Handle, T)) {
	for i := range s.entries {
		e := &s.entries[i]
		if e.used {
			fn(Handle{index: int32(i), gen: e.gen}, e.value)
		}
	}
}

// Len returns the number of live entries.
func (s *Slab[T]) Len() int {
	n := 0
	for i := range s.entries {
		if s.entries[i].used {
			n++
		}
	}
	return n
}
