package ring

import (
	"errors"
	"fmt"
)

// ErrCapacityNotPowerOfTwo is returned by New when the requested capacity
// cannot be addressed with a mask.
var ErrCapacityNotPowerOfTwo = errors.New("ring: capacity must be a power of two >= 2")

// Queue is a lock-free SPSC circular buffer of T.
//
// Lock expectations: Push/TryPush from a single producer goroutine at a
// time; Pop/TryPop from a single consumer goroutine at a time. UsedSize,
// IsFull and IsEmpty may be called from either side.
type Queue[T any] struct {
	buffer []T
	mask   uint32
	read   Index
	write  Index
}

// New allocates a queue holding up to capacity-1 elements. The backing
// storage is never reallocated.
func New[T any](capacity uint32) (*Queue[T], error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacityNotPowerOfTwo, capacity)
	}
	return &Queue[T]{
		buffer: make([]T, capacity),
		mask:   capacity - 1,
	}, nil
}

// Cap returns the size of the backing array (C).
func (q *Queue[T]) Cap() uint32 { return q.mask + 1 }

// UsedSize returns the number of unread elements.
// Unsigned subtraction keeps this correct after either index wraps.
func (q *Queue[T]) UsedSize() uint32 {
	return (q.write.Load() - q.read.Load()) & q.mask
}

// WriteIndex returns the free-running write index.
func (q *Queue[T]) WriteIndex() uint32 { return q.write.Load() }

// Free returns how many more elements can be pushed before IsFull holds.
func (q *Queue[T]) Free() uint32 {
	return q.mask - q.UsedSize()
}

// IsFull reports whether the queue has no room for another element. One
// slot is kept as headroom so a full queue never masks to empty.
func (q *Queue[T]) IsFull() bool {
	return q.UsedSize() == q.mask
}

// IsEmpty reports whether there is nothing to read.
func (q *Queue[T]) IsEmpty() bool {
	return q.UsedSize() == 0
}

// Push stores v and advances the write index. It performs no capacity
// check; callers must consult IsFull first.
func (q *Queue[T]) Push(v T) {
	w := q.write.Load()
	q.buffer[w&q.mask] = v
	q.write.Store(w + 1)
}

// TryPush pushes v unless the queue is full.
func (q *Queue[T]) TryPush(v T) bool {
	if q.IsFull() {
		return false
	}
	q.Push(v)
	return true
}

// Pop removes and returns the oldest element. The result is undefined when
// the queue is empty; callers must consult UsedSize or IsEmpty first.
func (q *Queue[T]) Pop() T {
	r := q.read.Load()
	v := q.buffer[r&q.mask]
	q.read.Store(r + 1)
	return v
}

// TryPop pops the oldest element if one is available.
func (q *Queue[T]) TryPop() (T, bool) {
	if q.IsEmpty() {
		var zero T
		return zero, false
	}
	return q.Pop(), true
}

// PopInto fills dst with the oldest len(dst) elements and publishes the read
// index once. Callers must ensure UsedSize() >= len(dst).
func (q *Queue[T]) PopInto(dst []T) {
	r := q.read.Load()
	for i := range dst {
		dst[i] = q.buffer[(r+uint32(i))&q.mask]
	}
	q.read.Store(r + uint32(len(dst)))
}
