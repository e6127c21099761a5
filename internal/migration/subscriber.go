package migration

import "sync"

// stateSubscriber is a helper for managing state change subscriptions.
type stateSubscriber[S State] struct {
	ch     chan S
	mu     sync.Mutex
	closed bool
}

// trySend sends a state update to the subscriber's channel without blocking.
//
// onDrop is called when the subscriber is too slow and the update is dropped.
func (s *stateSubscriber[S]) trySend(state S, onDrop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- state:
	default:
		// Subscriber is slow or not ready; they will get the next update.
		if onDrop != nil {
			onDrop()
		}
	}
}

// close safely closes the subscriber's channel.
func (s *stateSubscriber[S]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
