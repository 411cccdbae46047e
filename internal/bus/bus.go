package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daleheenan/startup-sub012/internal/id"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultMaxSubscribers is the default per-channel subscriber ceiling.
const DefaultMaxSubscribers = 100

// ErrSubscriberLimit indicates a channel is at its subscriber ceiling.
var ErrSubscriberLimit = errors.New("bus: channel subscriber limit reached")

// Bus is the in-process publish/subscribe hub for job lifecycle events.
// It enforces a per-channel subscriber ceiling and warns as the ceiling
// approaches, to catch subscription leaks before they exhaust resources.
// It is safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	channels    map[string]map[string]*Subscriber // channel → subscriberID → subscriber
	subscribers map[string]*Subscriber

	logger         *slog.Logger
	bufferSize     int
	maxSubscribers int

	totalPublished atomic.Int64
	totalDropped   atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) { b.bufferSize = size }
}

// WithMaxSubscribers sets the per-channel subscriber ceiling.
func WithMaxSubscribers(n int) Option {
	return func(b *Bus) { b.maxSubscribers = n }
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		channels:       make(map[string]map[string]*Subscriber),
		subscribers:    make(map[string]*Subscriber),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		maxSubscribers: DefaultMaxSubscribers,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates a subscriber on the given channels. Returns
// ErrSubscriberLimit if any requested channel is at its ceiling; no
// partial subscription is left behind on failure.
func (b *Bus) Subscribe(subscriberID string, channels ...string) (*Subscriber, error) {
	for _, name := range channels {
		if !ValidChannel(name) {
			return nil, fmt.Errorf("bus: unknown channel %q", name)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range channels {
		if len(b.channels[name]) >= b.maxSubscribers {
			b.logger.Warn("channel subscriber limit reached",
				slog.String("channel", name),
				slog.Int("limit", b.maxSubscribers),
			)
			return nil, fmt.Errorf("%w: %s", ErrSubscriberLimit, name)
		}
	}

	sub := newSubscriber(subscriberID, b.bufferSize)
	b.subscribers[subscriberID] = sub

	for _, name := range channels {
		subs, ok := b.channels[name]
		if !ok {
			subs = make(map[string]*Subscriber)
			b.channels[name] = subs
		}
		subs[subscriberID] = sub
		sub.addChannel(name)

		// Warn while there is still headroom, so leaks surface before
		// connections start being refused.
		if count := len(subs); count >= (b.maxSubscribers*4)/5 {
			b.logger.Warn("channel subscriber count approaching limit",
				slog.String("channel", name),
				slog.Int("count", count),
				slog.Int("limit", b.maxSubscribers),
			)
		}
	}

	return sub, nil
}

// RemoveSubscriber detaches a subscriber from every channel and closes
// it. Safe to call for an unknown or already-removed subscriber.
func (b *Bus) RemoveSubscriber(subscriberID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[subscriberID]
	if ok {
		delete(b.subscribers, subscriberID)
		for name, subs := range b.channels {
			if _, on := subs[subscriberID]; on {
				delete(subs, subscriberID)
				sub.removeChannel(name)
			}
			if len(subs) == 0 {
				delete(b.channels, name)
			}
		}
	}
	b.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish marshals data and delivers it to every subscriber on the
// channel. Fire-and-forget: delivery failures are counted, not retried,
// and never block the caller.
func (b *Bus) Publish(channel string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic("bus: marshal event data: " + err.Error())
	}

	evt := &Event{
		ID:        id.NewEventID(),
		Channel:   channel,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}

	b.mu.RLock()
	subs := b.channels[channel]
	// Copy to avoid holding the lock during send.
	targets := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if s.send(evt) {
			b.totalPublished.Add(1)
		} else {
			b.totalDropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of subscribers on a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Stats contains bus counters.
type Stats struct {
	Channels       int   `json:"channels"`
	Subscribers    int   `json:"subscribers"`
	TotalPublished int64 `json:"total_published"`
	TotalDropped   int64 `json:"total_dropped"`
}

// GetStats returns a snapshot of the bus counters.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	channels := len(b.channels)
	subscribers := len(b.subscribers)
	b.mu.RUnlock()

	return Stats{
		Channels:       channels,
		Subscribers:    subscribers,
		TotalPublished: b.totalPublished.Load(),
		TotalDropped:   b.totalDropped.Load(),
	}
}

// Shutdown closes every subscriber and empties the bus.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subscribers = make(map[string]*Subscriber)
	b.channels = make(map[string]map[string]*Subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	b.logger.Info("event bus shut down")
}
