package basp

import (
	"fmt"
	"sync"
)

// ErrRingBufferFull is returned by RingBuffer.Write when the buffer has no
// free slots.
var ErrRingBufferFull = fmt.Errorf("basp: ring buffer is full")

// RingBuffer is a fixed-capacity circular buffer, used by Broker to queue
// outbound frames per handle between the dispatch-loop goroutine and each
// connection's writer goroutine.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	size     int64
	len      int64
	readIdx  int64
	writeIdx int64
}

// NewRingBuffer returns an empty RingBuffer with the given capacity.
func NewRingBuffer[T any](size int64) *RingBuffer[T] {
	return &RingBuffer[T]{
		buf:  make([]T, size),
		size: size,
	}
}

// Len returns the number of buffered elements.
func (r *RingBuffer[T]) Len() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len
}

// Write appends val, returning ErrRingBufferFull if the buffer is at
// capacity.
func (r *RingBuffer[T]) Write(val T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.len == r.size {
		return ErrRingBufferFull
	}
	r.buf[r.writeIdx] = val
	r.writeIdx = (r.writeIdx + 1) % r.size
	r.len++
	return nil
}

// Read removes and returns the oldest element, or (zero, false) if empty.
func (r *RingBuffer[T]) Read() (T, bool) {
	var v T
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.len == 0 {
		return v, false
	}
	v = r.buf[r.readIdx]
	r.readIdx = (r.readIdx + 1) % r.size
	r.len--
	return v, true
}

// ReadN removes and returns up to n of the oldest elements.
func (r *RingBuffer[T]) ReadN(n int64) ([]T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.len == 0 {
		return nil, false
	}
	if n > r.len {
		n = r.len
	}
	vals := make([]T, 0, n)
	for i := int64(0); i < n; i++ {
		vals = append(vals, r.buf[(r.readIdx+i)%r.size])
	}
	r.readIdx = (r.readIdx + n) % r.size
	r.len -= n
	return vals, true
}
