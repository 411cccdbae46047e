package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daleheenan/startup-sub012/internal/backoff"
	"github.com/daleheenan/startup-sub012/internal/bus"
	"github.com/daleheenan/startup-sub012/internal/dispatch"
	"github.com/daleheenan/startup-sub012/internal/job"
	"github.com/daleheenan/startup-sub012/internal/session"
	"github.com/daleheenan/startup-sub012/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	store    *memory.Store
	registry *job.Registry
	tracker  *session.Tracker
	bus      *bus.Bus
	disp     *dispatch.Dispatcher
}

func setupDispatcher(t *testing.T, opts ...dispatch.Option) *testEnv {
	t.Helper()

	logger := testLogger()
	s := memory.New()
	reg := job.NewRegistry()
	b := bus.New(logger)

	tracker, err := session.New(context.Background(), s, logger,
		session.WithMaxRequests(1000),
		session.WithWindow(time.Hour),
	)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	base := []dispatch.Option{
		dispatch.WithConcurrency(1),
		dispatch.WithPollInterval(10 * time.Millisecond),
		dispatch.WithStatsInterval(0),
		dispatch.WithBackoff(backoff.NewConstant(0)),
	}
	d := dispatch.New(s, reg, tracker, b, logger, append(base, opts...)...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})

	return &testEnv{store: s, registry: reg, tracker: tracker, bus: b, disp: d}
}

// waitForStatus polls until the job reaches the wanted status or the
// deadline expires.
func waitForStatus(t *testing.T, s *memory.Store, j *job.Job, want job.Status) *job.Job {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.Get(context.Background(), j.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := s.Get(context.Background(), j.ID)
	t.Fatalf("job never reached %s, last seen %s (attempts %d, error %q)",
		want, got.Status, got.Attempts, got.LastError)
	return nil
}

func TestDispatcher_StartStop(t *testing.T) {
	env := setupDispatcher(t)

	if err := env.disp.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Double start is a no-op.
	if err := env.disp.Start(context.Background()); err != nil {
		t.Fatalf("double start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.disp.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := env.disp.Stop(ctx); err != nil {
		t.Fatalf("double stop: %v", err)
	}
}

func TestDispatcher_CompletesJob(t *testing.T) {
	env := setupDispatcher(t)

	type payload struct {
		WordTarget int `json:"wordTarget"`
	}
	var got atomic.Int64
	job.RegisterDefinition(env.registry, job.NewDefinition(job.TypeGenerateChapter,
		func(_ context.Context, _ *job.Run, p payload) error {
			got.Store(int64(p.WordTarget))
			return nil
		},
	))

	j := job.New(job.TypeGenerateChapter, "chapter-1", json.RawMessage(`{"wordTarget":1500}`), 3)
	if err := env.store.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := env.disp.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := waitForStatus(t, env.store, j, job.StatusCompleted)
	if got.Load() != 1500 {
		t.Errorf("handler payload = %d, want 1500", got.Load())
	}
	if done.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", done.Attempts)
	}
}

func TestDispatcher_RetriesWithCheckpoint(t *testing.T) {
	env := setupDispatcher(t)

	type checkpoint struct {
		Step int `json:"step"`
	}
	var resumedFrom atomic.Int64
	job.RegisterDefinition(env.registry, job.NewDefinition(job.TypeGenerateChapter,
		func(ctx context.Context, run *job.Run, _ struct{}) error {
			var cp checkpoint
			if ok, err := run.RestoreCheckpoint(&cp); err != nil {
				return err
			} else if ok {
				resumedFrom.Store(int64(cp.Step))
				return nil
			}
			if err := run.SaveCheckpoint(ctx, checkpoint{Step: 4}); err != nil {
				return err
			}
			return errors.New("transient provider error")
		},
	))

	j := job.New(job.TypeGenerateChapter, "chapter-1", nil, 3)
	if err := env.store.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.disp.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := waitForStatus(t, env.store, j, job.StatusCompleted)
	if resumedFrom.Load() != 4 {
		t.Errorf("resumed from step %d, want 4", resumedFrom.Load())
	}
	if done.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", done.Attempts)
	}
	if done.Checkpoint != nil {
		t.Errorf("Checkpoint = %s, want cleared on completion", done.Checkpoint)
	}
}

func TestDispatcher_PanicIsolated(t *testing.T) {
	env := setupDispatcher(t)

	var calls atomic.Int64
	job.RegisterDefinition(env.registry, job.NewDefinition(job.TypeGenerateChapter,
		func(_ context.Context, _ *job.Run, _ struct{}) error {
			if calls.Add(1) == 1 {
				panic("handler exploded")
			}
			return nil
		},
	))

	j := job.New(job.TypeGenerateChapter, "chapter-1", nil, 3)
	if err := env.store.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.disp.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The panic is recorded as a failure and the job retries to success.
	done := waitForStatus(t, env.store, j, job.StatusCompleted)
	if done.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", done.Attempts)
	}
}

func TestDispatcher_ExhaustsAttempts(t *testing.T) {
	env := setupDispatcher(t)

	job.RegisterDefinition(env.registry, job.NewDefinition(job.TypeGenerateChapter,
		func(_ context.Context, _ *job.Run, _ struct{}) error {
			return errors.New("always broken")
		},
	))

	j := job.New(job.TypeGenerateChapter, "chapter-1", nil, 2)
	if err := env.store.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.disp.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := waitForStatus(t, env.store, j, job.StatusFailed)
	if done.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", done.Attempts)
	}
	if done.LastError != "always broken" {
		t.Errorf("LastError = %q", done.LastError)
	}
}

func TestDispatcher_RateLimitExcludesTypes(t *testing.T) {
	env := setupDispatcher(t)

	resetAt := time.Now().UTC().Add(time.Hour)
	var limitedCalls atomic.Int64
	job.RegisterDefinition(env.registry, job.NewDefinition(job.TypeGenerateChapter,
		func(_ context.Context, _ *job.Run, _ struct{}) error {
			limitedCalls.Add(1)
			return &job.RateLimitError{ResetAt: resetAt}
		},
		job.WithRateLimited(),
	))
	job.RegisterDefinition(env.registry, job.NewDefinition(job.TypeGenerateOutline,
		func(_ context.Context, _ *job.Run, _ struct{}) error { return nil },
	))

	limited := job.New(job.TypeGenerateChapter, "chapter-1", nil, 5)
	free := job.New(job.TypeGenerateOutline, "book-1", nil, 3)
	ctx := context.Background()
	if err := env.store.Enqueue(ctx, limited); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.store.Enqueue(ctx, free); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.disp.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The non-limited type still completes after the provider throttles.
	waitForStatus(t, env.store, free, job.StatusCompleted)

	// The session window is now exhausted until the provider reset.
	if env.tracker.BudgetAvailable(ctx) {
		t.Error("budget still available after rate-limit signal")
	}

	// The throttled job stays pending with its retry deferred; the
	// dispatcher must not hammer the handler again.
	time.Sleep(100 * time.Millisecond)
	if got := limitedCalls.Load(); got != 1 {
		t.Errorf("limited handler called %d times, want 1", got)
	}
	got, err := env.store.Get(ctx, limited.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if !got.RunAt.Equal(resetAt) {
		t.Errorf("RunAt = %v, want provider reset %v", got.RunAt, resetAt)
	}
}

func TestDispatcher_PublishesJobUpdates(t *testing.T) {
	env := setupDispatcher(t)

	sub, err := env.bus.Subscribe("test-sub", bus.ChannelJobUpdate)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	job.RegisterDefinition(env.registry, job.NewDefinition(job.TypeGenerateChapter,
		func(_ context.Context, _ *job.Run, _ struct{}) error { return nil },
	))

	j := job.New(job.TypeGenerateChapter, "chapter-1", nil, 3)
	if err := env.store.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.disp.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, env.store, j, job.StatusCompleted)

	statuses := make(map[job.Status]bool)
	deadline := time.After(2 * time.Second)
	for !statuses[job.StatusCompleted] {
		select {
		case evt := <-sub.C():
			var got job.Job
			if err := json.Unmarshal(evt.Data, &got); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if got.ID == j.ID {
				statuses[got.Status] = true
			}
		case <-deadline:
			t.Fatalf("never saw completed update, saw %v", statuses)
		}
	}
	if !statuses[job.StatusRunning] {
		t.Error("no running update published on claim")
	}
}

func TestDispatcher_ProgressEvents(t *testing.T) {
	env := setupDispatcher(t)

	sub, err := env.bus.Subscribe("progress-sub", bus.ChannelChapterProgress)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	job.RegisterDefinition(env.registry, job.NewDefinition(job.TypeGenerateChapter,
		func(ctx context.Context, run *job.Run, _ struct{}) error {
			return run.Progress(ctx, map[string]any{"wordsWritten": 900})
		},
	))

	j := job.New(job.TypeGenerateChapter, "chapter-7", nil, 3)
	if err := env.store.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.disp.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case evt := <-sub.C():
		var data struct {
			JobID    string          `json:"jobId"`
			TargetID string          `json:"targetId"`
			Progress json.RawMessage `json:"progress"`
		}
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			t.Fatalf("unmarshal progress: %v", err)
		}
		if data.JobID != j.ID.String() || data.TargetID != "chapter-7" {
			t.Errorf("progress identity = %+v, want job %s", data, j.ID)
		}
		var inner struct {
			WordsWritten int `json:"wordsWritten"`
		}
		if err := json.Unmarshal(data.Progress, &inner); err != nil {
			t.Fatalf("unmarshal inner progress: %v", err)
		}
		if inner.WordsWritten != 900 {
			t.Errorf("wordsWritten = %d, want 900", inner.WordsWritten)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no progress event received")
	}
}
