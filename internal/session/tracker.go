// Package session tracks consumption against the external provider's
// rate-limit window. The dispatcher reads the tracker before claiming
// rate-limited job types; the component issuing provider calls is the
// only writer. State persists through a Store so a restart (or a second
// dispatcher process sharing a Redis or Postgres backend) sees the same
// window.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the persisted singleton session record.
type State struct {
	Active   bool      `json:"isActive"`
	Requests int       `json:"requestsThisSession"`
	ResetsAt time.Time `json:"sessionResetsAt"`
}

// Status is the observability snapshot exposed over the stats endpoint
// and the session:update bus channel.
type Status struct {
	Active          bool      `json:"isActive"`
	Requests        int       `json:"requestsThisSession"`
	TimeRemainingMs int64     `json:"timeRemainingMs"`
	ResetTime       time.Time `json:"resetTime"`
}

// Store persists the singleton session state.
type Store interface {
	LoadState(ctx context.Context) (State, error)
	SaveState(ctx context.Context, s State) error
}

// DefaultMaxRequests is the per-window request allowance when none is
// configured.
const DefaultMaxRequests = 50

// DefaultWindow is the session window length when none is configured.
const DefaultWindow = 5 * time.Hour

// Tracker enforces window-count semantics over the provider budget.
// Window boundaries are wall-clock based: a request arriving exactly at
// ResetsAt starts a new window. Counts are monotonic within a window.
// It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	store Store
	state State

	maxRequests int
	window      time.Duration
	logger      *slog.Logger
	notify      func(Status)

	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxRequests sets the per-window request allowance.
func WithMaxRequests(n int) Option {
	return func(t *Tracker) { t.maxRequests = n }
}

// WithWindow sets the session window length.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) { t.window = d }
}

// WithNotify sets a callback invoked (outside the tracker lock is not
// guaranteed; keep it non-blocking) after every state change, typically
// to publish a session:update event.
func WithNotify(fn func(Status)) Option {
	return func(t *Tracker) { t.notify = fn }
}

// New creates a Tracker, loading any persisted window state.
func New(ctx context.Context, store Store, logger *slog.Logger, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		store:       store,
		maxRequests: DefaultMaxRequests,
		window:      DefaultWindow,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	state, err := store.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: load state: %w", err)
	}
	t.state = state

	return t, nil
}

// RecordRequest increments the window's request count. The first request
// in a new window activates the session and computes ResetsAt.
func (t *Tracker) RecordRequest(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	t.rollover(now)

	if !t.state.Active {
		t.state.Active = true
		t.state.ResetsAt = now.Add(t.window)
	}
	t.state.Requests++

	return t.persist(ctx)
}

// BudgetAvailable reports whether the dispatcher may claim rate-limited
// job types. An expired window is reset as a side effect.
func (t *Tracker) BudgetAvailable(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	if t.rollover(now) {
		if err := t.persist(ctx); err != nil {
			t.logger.Warn("session: persist window reset", slog.String("error", err.Error()))
		}
	}

	return t.state.Requests < t.maxRequests
}

// MarkLimited records that the provider refused further requests. The
// window is treated as exhausted until resetAt (or the already-computed
// ResetsAt when resetAt is zero), so the dispatcher stops claiming
// rate-limited types immediately rather than burning attempts.
func (t *Tracker) MarkLimited(ctx context.Context, resetAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	t.state.Active = true
	if t.state.Requests < t.maxRequests {
		t.state.Requests = t.maxRequests
	}
	switch {
	case !resetAt.IsZero():
		t.state.ResetsAt = resetAt.UTC()
	case t.state.ResetsAt.IsZero() || t.state.ResetsAt.Before(now):
		t.state.ResetsAt = now.Add(t.window)
	}

	return t.persist(ctx)
}

// GetStatus returns the current window snapshot.
func (t *Tracker) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status(t.now().UTC())
}

// rollover resets the window when now has reached ResetsAt.
// Returns true if a reset happened. Caller holds the lock.
func (t *Tracker) rollover(now time.Time) bool {
	if t.state.ResetsAt.IsZero() || now.Before(t.state.ResetsAt) {
		return false
	}

	t.state = State{}
	t.logger.Info("session window reset")
	return true
}

// persist saves state and fires the notify callback. Caller holds the lock.
func (t *Tracker) persist(ctx context.Context) error {
	if err := t.store.SaveState(ctx, t.state); err != nil {
		return fmt.Errorf("session: save state: %w", err)
	}
	if t.notify != nil {
		t.notify(t.status(t.now().UTC()))
	}
	return nil
}

func (t *Tracker) status(now time.Time) Status {
	var remaining time.Duration
	if t.state.Active && t.state.ResetsAt.After(now) {
		remaining = t.state.ResetsAt.Sub(now)
	}
	return Status{
		Active:          t.state.Active,
		Requests:        t.state.Requests,
		TimeRemainingMs: remaining.Milliseconds(),
		ResetTime:       t.state.ResetsAt,
	}
}
