package bus

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives events from the channels it is subscribed to.
// Delivery is non-blocking: when the subscriber's buffer is full the
// event is dropped and counted, never queued against the publisher.
type Subscriber struct {
	// id uniquely identifies this subscriber.
	id string

	// ch is the buffered channel events are delivered on.
	ch chan *Event

	// channels tracks which bus channels this subscriber is on.
	channels map[string]struct{}
	mu       sync.RWMutex

	// dropped counts events discarded because the buffer was full.
	dropped atomic.Int64

	// closed prevents double-close of the channel.
	closed atomic.Bool
}

func newSubscriber(id string, bufferSize int) *Subscriber {
	return &Subscriber{
		id:       id,
		ch:       make(chan *Event, bufferSize),
		channels: make(map[string]struct{}),
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// Dropped returns the number of events discarded for this subscriber.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Channels returns a copy of all subscribed channel names.
func (s *Subscriber) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	return out
}

func (s *Subscriber) addChannel(name string) {
	s.mu.Lock()
	s.channels[name] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeChannel(name string) {
	s.mu.Lock()
	delete(s.channels, name)
	s.mu.Unlock()
}

// send attempts to deliver an event without blocking.
// Returns false if the event was dropped (closed subscriber or full buffer).
func (s *Subscriber) send(evt *Event) bool {
	if s.closed.Load() {
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
