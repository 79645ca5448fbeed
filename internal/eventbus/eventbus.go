// Package eventbus is the control plane's single-process broadcast of
// InstanceEvent and MessageEvent streams, with lag-tolerant semantics for
// subscribers that cannot keep up.
package eventbus

import (
	"sync"

	"github.com/PSEUDONYM97/zeroclaw/internal/metrics"
)

const ringCapacity = 256

// Lagged is delivered to a subscriber in place of the events it missed; the
// subscriber's contract is to re-snapshot rather than reconstruct history.
type Lagged struct {
	Count int
}

// Bus fans out published events to any number of subscribers, each with its
// own bounded channel. A subscriber whose channel is full when an event
// arrives is skipped for that send; its next receive instead yields a
// Lagged signal carrying how many events it missed, and its cursor resumes
// normal delivery from there.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	events  chan any
	mu      sync.Mutex
	lagged  int
	closed  bool
}

// Subscribe registers a new subscriber with a ring-sized buffered channel.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{events: make(chan any, ringCapacity)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.close()
}

// Publish broadcasts event to every current subscriber.
func (b *Bus) Publish(event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.deliver(event)
	}
}

func (s *Subscription) deliver(event any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.lagged++
		metrics.EventBusLaggedTotal.Inc()
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Recv blocks until the next event or lag signal is available, or the
// subscription is closed (ok=false). If events were dropped because the
// subscriber's channel was full, the next Recv returns a Lagged value
// carrying the number dropped; later calls resume with the events still
// buffered.
func (s *Subscription) Recv() (event any, ok bool) {
	s.mu.Lock()
	if s.lagged > 0 {
		count := s.lagged
		s.lagged = 0
		s.mu.Unlock()
		return Lagged{Count: count}, true
	}
	s.mu.Unlock()

	ev, ok := <-s.events
	return ev, ok
}
