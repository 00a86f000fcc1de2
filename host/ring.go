package host

import "sync/atomic"

// Ring is a bounded single-producer single-consumer queue. Push and Pop
// never block or allocate. Exactly one goroutine may push and exactly one
// may pop at any time; callers with several producers serialize them.
type Ring[T any] struct {
	buf  []T
	mask uint64
	_    [48]byte
	head atomic.Uint64 // next slot to pop
	_    [56]byte
	tail atomic.Uint64 // next slot to push
}

// NewRing returns a ring holding at least capacity items, rounded up to a
// power of two.
func NewRing[T any](capacity int) *Ring[T] {
	n := 2
	for n < capacity {
		n <<= 1
	}
	return &Ring[T]{buf: make([]T, n), mask: uint64(n - 1)}
}

// Push appends v and reports false when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	t := r.tail.Load()
	if t-r.head.Load() == uint64(len(r.buf)) {
		return false
	}
	r.buf[t&r.mask] = v
	r.tail.Store(t + 1)
	return true
}

// Pop removes the oldest item.
func (r *Ring[T]) Pop() (v T, ok bool) {
	h := r.head.Load()
	if h == r.tail.Load() {
		return v, false
	}
	v = r.buf[h&r.mask]
	r.head.Store(h + 1)
	return v, true
}

// Len returns the number of queued items as seen by the caller.
func (r *Ring[T]) Len() int { return int(r.tail.Load() - r.head.Load()) }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }
