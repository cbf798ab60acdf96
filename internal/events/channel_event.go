package events

import (
	"sync"
)

// ChannelEvent fans a value out to every registered channel.
// Delivery never blocks the notifier: a listener whose channel is full misses that value.
type ChannelEvent[T any] struct {
	mu         sync.RWMutex
	channels   map[uint64]chan<- T
	nextID     uint64
	replayLast bool
	last       T
	hasLast    bool
}

// NewChannelEvent creates a new ChannelEvent.
// replayLast: if true, a channel registered after the first Notify immediately
// receives the most recent value.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:   make(map[uint64]chan<- T),
		replayLast: replayLast,
	}
}

// Listen registers ch and returns a func that removes it again.
// The returned func is safe to call more than once.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	replay, value := e.replayLast && e.hasLast, e.last
	e.mu.Unlock()

	if replay {
		select {
		case ch <- value:
		default:
		}
	}

	return func() {
		e.mu.Lock()
		delete(e.channels, id)
		e.mu.Unlock()
	}
}

// Notify sends value to all registered channels without blocking.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.last = value
		e.hasLast = true
	}
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

// Last returns the most recent value, if replayLast is set and Notify has been called.
func (e *ChannelEvent[T]) Last() (T, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, e.hasLast
}

// Reset drops every listener and forgets the last value.
func (e *ChannelEvent[T]) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = make(map[uint64]chan<- T)
	var zero T
	e.last = zero
	e.hasLast = false
}

// ListenerCount returns the current number of registered listeners
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}
