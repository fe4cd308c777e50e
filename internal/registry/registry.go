// Package registry maps stream ids to live per-stream state and provides
// snapshot iteration that tolerates mutation from inside callbacks.
//
// A Registry is owned by one event loop and is not safe for concurrent use.
package registry

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicate is returned when an id is already registered.
var ErrDuplicate = errors.New("registry: stream id already registered")

// Registry manages live entries keyed by stream id
type Registry[T any] struct {
	entries map[uint64]T
	lastID  uint64
	hasLast bool
}

// New creates an empty registry
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[uint64]T)}
}

// Insert registers v under id.
func (r *Registry[T]) Insert(id uint64, v T) error {
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicate, id)
	}
	r.entries[id] = v
	if !r.hasLast || id > r.lastID {
		r.lastID = id
		r.hasLast = true
	}
	return nil
}

// Get returns the entry for id
func (r *Registry[T]) Get(id uint64) (T, bool) {
	v, ok := r.entries[id]
	return v, ok
}

// Remove deletes the entry for id and reports whether it existed.
func (r *Registry[T]) Remove(id uint64) bool {
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Len returns the number of live entries
func (r *Registry[T]) Len() int { return len(r.entries) }

// LastID returns the highest id ever registered; ok is false if none was.
func (r *Registry[T]) LastID() (id uint64, ok bool) { return r.lastID, r.hasLast }

type pair[T any] struct {
	id uint64
	v  T
}

func (r *Registry[T]) pairs() []pair[T] {
	out := make([]pair[T], 0, len(r.entries))
	for id, v := range r.entries {
		out = append(out, pair[T]{id, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Snapshot returns the live entries ordered by id. The slice is a copy, so
// callers may insert or remove entries while walking it.
func (r *Registry[T]) Snapshot() []T {
	ps := r.pairs()
	out := make([]T, len(ps))
	for i, p := range ps {
		out[i] = p.v
	}
	return out
}

// Range calls fn for each entry of a snapshot taken before the first call.
// Iteration stops when fn returns false.
func (r *Registry[T]) Range(fn func(id uint64, v T) bool) {
	for _, p := range r.pairs() {
		if !fn(p.id, p.v) {
			return
		}
	}
}
