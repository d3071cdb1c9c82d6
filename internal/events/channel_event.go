package events

import (
	"sync"
)

// ChannelEvent fans a value out to registered channels.
// Sends never block: a listener whose channel is full misses that value.
type ChannelEvent[T any] struct {
	mu       sync.RWMutex
	channels map[uint64]chan<- T
	nextID   uint64
	replay   bool
	latest   *T
}

// NewChannelEvent creates a ChannelEvent. When replay is true the most recent
// value is handed to every new listener as soon as it registers.
func NewChannelEvent[T any](replay bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels: make(map[uint64]chan<- T),
		replay:   replay,
	}
}

// Listen registers ch and returns the function that removes it again.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("ChannelEvent: channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	var last *T
	if e.replay && e.latest != nil {
		v := *e.latest
		last = &v
	}
	e.mu.Unlock()

	if last != nil {
		select {
		case ch <- *last:
		default:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.channels, id)
			e.mu.Unlock()
		})
	}
}

// Notify delivers value to every listener.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	e.latest = &value
	targets := make([]chan<- T, 0, len(e.channels))
	for _, ch := range e.channels {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// Latest returns the last notified value, if any.
func (e *ChannelEvent[T]) Latest() (T, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		var zero T
		return zero, false
	}
	return *e.latest, true
}

// ListenerCount returns the number of registered listeners.
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}
