package processor

import "sync"

// OutputBuffer keeps the most recent stdout lines of a run in a fixed
// ring. Old lines fall off the front once capacity is reached; detailed
// status serves the tail of it.
type OutputBuffer struct {
	mu       sync.RWMutex
	ring     []string
	capacity int
	// written counts every line ever appended; written % capacity is the
	// next write slot.
	written int
}

// NewOutputBuffer creates a buffer holding at most capacity lines.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputBuffer{
		ring:     make([]string, capacity),
		capacity: capacity,
	}
}

// Write appends a line, evicting the oldest one when full.
func (b *OutputBuffer) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.written%b.capacity] = line
	b.written++
}

// Lines returns every retained line, oldest first.
func (b *OutputBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tail(b.capacity)
}

// LastN returns up to the n most recent lines, oldest first. A
// non-positive n yields nil.
func (b *OutputBuffer) LastN(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	return b.tail(n)
}

// tail copies the newest n retained lines. Callers hold at least a read lock.
func (b *OutputBuffer) tail(n int) []string {
	retained := b.written
	if retained > b.capacity {
		retained = b.capacity
	}
	if n > retained {
		n = retained
	}
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = b.ring[(b.written-n+i)%b.capacity]
	}
	return out
}

// Len reports how many lines are currently retained.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.written > b.capacity {
		return b.capacity
	}
	return b.written
}
