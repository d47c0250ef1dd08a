// Package queue implements the outbound FIFO used to hold frames while the
// push connection is down.
//
// The queue is a growable ring buffer with an explicit length bound. What
// happens when the bound is hit is chosen by the Overflow policy; a MaxLen of
// zero or less means unbounded.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrFull is returned by Push when the queue is at MaxLen under the Reject policy.
var ErrFull = errors.New("outbound queue full")

// Overflow selects the behavior of Push on a full queue.
type Overflow int

const (
	// Reject refuses the new item and returns ErrFull.
	Reject Overflow = iota
	// DropOldest evicts the head to make room for the new item.
	DropOldest
	// DropNewest silently discards the new item.
	DropNewest
)

func (o Overflow) String() string {
	switch o {
	case Reject:
		return "reject"
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ParseOverflow parses a policy name as used in config files.
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return Reject, nil
	case "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	default:
		return Reject, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Config bounds a Queue.
type Config struct {
	MaxLen          int      // <= 0 means unbounded
	Overflow        Overflow // policy applied when MaxLen is reached
	InitialCapacity int
}

// DefaultConfig returns a queue bounded at 1000 frames that rejects on
// overflow.
func DefaultConfig() Config {
	return Config{
		MaxLen:          1000,
		Overflow:        Reject,
		InitialCapacity: 16,
	}
}

// Queue is a thread-safe FIFO ring buffer that doubles its capacity when it
// reaches 70% full.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int

	maxLen   int
	overflow Overflow

	// Stats
	totalPushed  int64
	totalDrained int64
	dropped      int64
	rejected     int64
	requeued     int64
	resizeCount  int
}

// New creates a queue with the given bound.
func New[T any](cfg Config) *Queue[T] {
	capacity := cfg.InitialCapacity
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		maxLen:   cfg.MaxLen,
		overflow: cfg.Overflow,
	}
}

// Push appends item to the tail, applying the overflow policy if the queue is
// at its bound.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxLen > 0 && q.count >= q.maxLen {
		switch q.overflow {
		case DropNewest:
			q.dropped++
			return nil
		case DropOldest:
			q.popLocked()
			q.dropped++
		default:
			q.rejected++
			return ErrFull
		}
	}

	q.pushLocked(item)
	q.totalPushed++
	return nil
}

// PushFront puts items back at the head, preserving their order, so that
// they are drained before anything already queued. The bound is not applied:
// items being returned were already accepted once.
func (q *Queue[T]) PushFront(items []T) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count+len(items) >= q.threshold() {
		q.grow()
	}

	for i := len(items) - 1; i >= 0; i-- {
		q.head = (q.head - 1 + q.capacity) % q.capacity
		q.buf[q.head] = items[i]
		q.count++
	}
	q.requeued += int64(len(items))
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	result := make([]T, 0, q.count)
	for q.count > 0 {
		result = append(result, q.popLocked())
	}
	q.totalDrained += int64(len(result))
	return result
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:        q.count,
		Capacity:     q.capacity,
		MaxLen:       q.maxLen,
		TotalPushed:  q.totalPushed,
		TotalDrained: q.totalDrained,
		Dropped:      q.dropped,
		Rejected:     q.rejected,
		Requeued:     q.requeued,
		ResizeCount:  q.resizeCount,
	}
}

// Stats contains queue statistics.
type Stats struct {
	Count        int
	Capacity     int
	MaxLen       int
	TotalPushed  int64
	TotalDrained int64
	Dropped      int64
	Rejected     int64
	Requeued     int64
	ResizeCount  int
}

func (q *Queue[T]) threshold() int {
	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

// pushLocked appends without applying the bound. Must be called with lock held.
func (q *Queue[T]) pushLocked(item T) {
	if q.count+1 >= q.threshold() {
		q.grow()
	}
	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
}

// popLocked removes the head. Must be called with lock held and count > 0.
func (q *Queue[T]) popLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	return item
}

// grow doubles the buffer capacity. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCapacity := q.capacity * 2
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			// Contiguous: [head...tail)
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
