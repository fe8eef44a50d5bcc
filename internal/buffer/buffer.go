// Package buffer provides a bounded in-memory history.
package buffer

import (
	"sync"
)

// Ring is a thread-safe fixed-capacity buffer. When full, Push overwrites
// the oldest item.
type Ring[T any] struct {
	mu    sync.Mutex
	data  []T
	start int
	size  int
}

// New creates a Ring holding up to capacity items. A capacity below one is
// treated as one.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push appends item, dropping the oldest item if the ring is full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := (r.start + r.size) % len(r.data)
	r.data[end] = item
	if r.size < len(r.data) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.data)
}

// Latest returns up to n items, newest first. n <= 0 returns everything.
func (r *Ring[T]) Latest(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.start + r.size - 1 - i) % len(r.data)
		out = append(out, r.data[idx])
	}
	return out
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int {
	return len(r.data)
}
