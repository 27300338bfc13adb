package util

// RingBuffer keeps the most recent Capacity() items. It is not safe for
// concurrent use.
type RingBuffer[T any] struct {
	items []T
	next  int
	full  bool
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{items: make([]T, capacity)}
}

func (r *RingBuffer[T]) Add(item T) {
	r.items[r.next] = item
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// GetAll returns the buffered items, oldest first.
func (r *RingBuffer[T]) GetAll() []T {
	if !r.full {
		out := make([]T, r.next)
		copy(out, r.items[:r.next])
		return out
	}
	out := make([]T, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	out = append(out, r.items[:r.next]...)
	return out
}

func (r *RingBuffer[T]) Len() int {
	if r.full {
		return len(r.items)
	}
	return r.next
}

func (r *RingBuffer[T]) Capacity() int {
	return len(r.items)
}
