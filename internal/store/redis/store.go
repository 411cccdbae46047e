// Package redis persists the provider session window in Redis, so that
// several dispatcher processes share one view of the rate budget. Jobs
// stay in the relational store; only the small, frequently written
// session singleton lives here.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/daleheenan/startup-sub012/internal/session"
)

// Compile-time interface check.
var _ session.Store = (*Store)(nil)

// DefaultKey is the Redis key holding the session state document.
const DefaultKey = "queued:session:state"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKey overrides the Redis key used for the session document, for
// running several isolated queues against one Redis.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// Store implements session.Store backed by Redis.
type Store struct {
	client redis.Cmdable
	key    string
	logger *slog.Logger
}

// New creates a Redis-backed session store. The caller owns the Redis
// client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, key: DefaultKey, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LoadState returns the persisted session window. A missing key yields
// the zero State.
func (s *Store) LoadState(ctx context.Context) (session.State, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.State{}, nil
		}
		return session.State{}, fmt.Errorf("redis: load session state: %w", err)
	}

	var state session.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return session.State{}, fmt.Errorf("redis: decode session state: %w", err)
	}
	return state, nil
}

// SaveState persists the session window. The key has no TTL; rollover
// is the tracker's job, not the store's.
func (s *Store) SaveState(ctx context.Context, state session.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: encode session state: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: save session state: %w", err)
	}
	return nil
}
