package events

import "sync"

// Queue hands values from transport callbacks over to the polling loop.
// Push may be called from any goroutine; Drain is called by the single consumer.
// The mutex is held only long enough to append or swap the backing slice.
type Queue[T any] struct {
	mu      sync.Mutex
	pending []T
	spare   []T
	limit   int
	dropped uint64
}

// NewQueue creates a Queue holding at most limit undrained values.
// A limit of zero or less means unbounded.
func NewQueue[T any](limit int) *Queue[T] {
	return &Queue[T]{limit: limit}
}

// Push appends v. It reports false when the queue is full and v was dropped.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.pending) >= q.limit {
		q.dropped++
		return false
	}
	q.pending = append(q.pending, v)
	return true
}

// Drain returns everything pushed since the previous Drain, oldest first.
// The returned slice is only valid until the next call to Drain.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	out := q.pending
	q.pending = q.spare[:0]
	q.mu.Unlock()
	q.spare = out
	return out
}

// Len returns the number of values waiting to be drained.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dropped returns how many values were rejected because the queue was full.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
