package live

import (
	"sync"

	"github.com/google/uuid"
)

// MaxPending is how many undelivered live events a subscriber may queue before
// it is dropped
const MaxPending = 1024

// Subscriber is a live stream consumer. The store pushes events into its
// mailbox; the transport goroutine drains it.
type Subscriber struct {
	ID string

	mu     sync.Mutex
	queue  []Event
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

func newSubscriber() *Subscriber {
	return &Subscriber{
		ID:    uuid.New().String(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Ready is signalled whenever new events are queued
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed once the store has let go of the subscriber. Events queued
// before that remain drainable.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Drain returns and clears all queued events
func (s *Subscriber) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.queue
	s.queue = nil
	return events
}

// push queues an event. With limit > 0 a full mailbox rejects the event.
func (s *Subscriber) push(ev Event, limit int) bool {
	s.mu.Lock()
	if s.closed || (limit > 0 && len(s.queue) >= limit) {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
