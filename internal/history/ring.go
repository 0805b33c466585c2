// Package history keeps a bounded, insertion-ordered window of recent values.
package history

// DefaultCapacity is the number of packets retained when no capacity is
// configured.
const DefaultCapacity = 100

// Ring is a fixed-capacity FIFO. When full, recording a new value evicts the
// oldest one. Ring is not safe for concurrent use; callers hand out copies
// from Snapshot instead of sharing the ring.
type Ring[T any] struct {
	items    []T
	capacity int
	head     int // next write position
	size     int // current number of values stored
}

// NewRing creates a ring with the given capacity. Non-positive capacities
// fall back to DefaultCapacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Record appends v, overwriting the oldest value if at capacity.
func (r *Ring[T]) Record(v T) {
	r.items[r.head] = v
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Snapshot returns the stored values from oldest to newest. The result is a
// fresh slice the caller owns.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head-r.size+i+r.capacity)%r.capacity]
	}
	return out
}

// Capacity returns the maximum number of values that can be stored.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}
