package session

// RingBuffer is a fixed-capacity circular buffer. It lets late
// subscribers catch up on recent session events.
//
// It is not safe for concurrent use; sessions only touch it from the
// scheduler goroutine.
type RingBuffer[T any] struct {
	buf      []T
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Write adds an item, overwriting the oldest once full.
func (rb *RingBuffer[T]) Write(item T) {
	rb.buf[rb.pos] = item
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Len returns the number of buffered items.
func (rb *RingBuffer[T]) Len() int {
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// ReadAll returns all items in the order they were written.
func (rb *RingBuffer[T]) ReadAll() []T {
	if !rb.full {
		result := make([]T, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]T, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
