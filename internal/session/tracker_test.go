package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// memStore is a minimal in-memory Store for tracker tests.
type memStore struct {
	mu    sync.Mutex
	state State
	saves int
}

func (m *memStore) LoadState(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memStore) SaveState(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.saves++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTracker(t *testing.T, store *memStore, opts ...Option) (*Tracker, *time.Time) {
	t.Helper()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr, err := New(context.Background(), store, testLogger(), opts...)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	tr.now = func() time.Time { return current }
	return tr, &current
}

func TestRecordRequestStartsWindow(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	tr, clock := newTestTracker(t, store, WithMaxRequests(10), WithWindow(time.Hour))

	if err := tr.RecordRequest(context.Background()); err != nil {
		t.Fatalf("record request: %v", err)
	}

	status := tr.GetStatus()
	if !status.Active {
		t.Error("session not active after first request")
	}
	if status.Requests != 1 {
		t.Errorf("Requests = %d, want 1", status.Requests)
	}
	wantReset := clock.Add(time.Hour)
	if !status.ResetTime.Equal(wantReset) {
		t.Errorf("ResetTime = %v, want %v", status.ResetTime, wantReset)
	}

	// State reached the store.
	if store.state.Requests != 1 {
		t.Errorf("persisted Requests = %d, want 1", store.state.Requests)
	}
}

func TestBudgetExhaustion(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, &memStore{}, WithMaxRequests(2), WithWindow(time.Hour))
	ctx := context.Background()

	if !tr.BudgetAvailable(ctx) {
		t.Fatal("budget unavailable before any request")
	}

	_ = tr.RecordRequest(ctx)
	_ = tr.RecordRequest(ctx)

	if tr.BudgetAvailable(ctx) {
		t.Error("budget still available at the window allowance")
	}
}

func TestWindowResetAtBoundary(t *testing.T) {
	t.Parallel()

	tr, clock := newTestTracker(t, &memStore{}, WithMaxRequests(1), WithWindow(time.Hour))
	ctx := context.Background()

	_ = tr.RecordRequest(ctx)
	if tr.BudgetAvailable(ctx) {
		t.Fatal("budget available after exhausting the window")
	}

	// One nanosecond before the boundary: still exhausted.
	*clock = clock.Add(time.Hour - time.Nanosecond)
	if tr.BudgetAvailable(ctx) {
		t.Error("budget available just before ResetsAt")
	}

	// Exactly at ResetsAt a new window starts.
	*clock = clock.Add(time.Nanosecond)
	if !tr.BudgetAvailable(ctx) {
		t.Error("budget unavailable exactly at ResetsAt")
	}

	status := tr.GetStatus()
	if status.Active || status.Requests != 0 {
		t.Errorf("window not reset: %+v", status)
	}
}

func TestRequestAtBoundaryStartsNewWindow(t *testing.T) {
	t.Parallel()

	tr, clock := newTestTracker(t, &memStore{}, WithMaxRequests(5), WithWindow(time.Hour))
	ctx := context.Background()

	_ = tr.RecordRequest(ctx)
	_ = tr.RecordRequest(ctx)

	*clock = clock.Add(time.Hour)
	_ = tr.RecordRequest(ctx)

	status := tr.GetStatus()
	if status.Requests != 1 {
		t.Errorf("Requests = %d, want 1 (new window)", status.Requests)
	}
	wantReset := clock.Add(time.Hour)
	if !status.ResetTime.Equal(wantReset) {
		t.Errorf("ResetTime = %v, want %v", status.ResetTime, wantReset)
	}
}

func TestMarkLimited(t *testing.T) {
	t.Parallel()

	tr, clock := newTestTracker(t, &memStore{}, WithMaxRequests(100), WithWindow(time.Hour))
	ctx := context.Background()

	_ = tr.RecordRequest(ctx)

	resetAt := clock.Add(30 * time.Minute)
	if err := tr.MarkLimited(ctx, resetAt); err != nil {
		t.Fatalf("mark limited: %v", err)
	}

	if tr.BudgetAvailable(ctx) {
		t.Error("budget available after provider signalled a limit")
	}

	*clock = clock.Add(30 * time.Minute)
	if !tr.BudgetAvailable(ctx) {
		t.Error("budget unavailable after the provider's reset time")
	}
}

func TestMarkLimitedWithoutResetTime(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, &memStore{}, WithMaxRequests(100), WithWindow(time.Hour))
	ctx := context.Background()

	if err := tr.MarkLimited(ctx, time.Time{}); err != nil {
		t.Fatalf("mark limited: %v", err)
	}
	if tr.BudgetAvailable(ctx) {
		t.Error("budget available after provider signalled a limit")
	}
	if got := tr.GetStatus().ResetTime; got.IsZero() {
		t.Error("ResetTime not computed when the provider gave none")
	}
}

func TestNotifyFiresOnChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []Status
	store := &memStore{}

	tr, err := New(context.Background(), store, testLogger(),
		WithMaxRequests(10),
		WithWindow(time.Hour),
		WithNotify(func(s Status) {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	_ = tr.RecordRequest(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Requests != 1 {
		t.Errorf("notify calls = %+v, want one with Requests=1", got)
	}
}

func TestStatePersistsAcrossTrackers(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	tr1, _ := newTestTracker(t, store, WithMaxRequests(10), WithWindow(time.Hour))
	_ = tr1.RecordRequest(context.Background())
	_ = tr1.RecordRequest(context.Background())

	// A second tracker over the same store sees the same window.
	tr2, err := New(context.Background(), store, testLogger(), WithMaxRequests(10), WithWindow(time.Hour))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if got := tr2.GetStatus().Requests; got != 2 {
		t.Errorf("restored Requests = %d, want 2", got)
	}
}
