// Package dispatch polls the store for eligible jobs and drives them
// through their registered handlers. Claim workers never crash on a
// handler failure: every error (panics included) is isolated, recorded
// on the job, and classified for retry.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/daleheenan/startup-sub012/internal/backoff"
	"github.com/daleheenan/startup-sub012/internal/bus"
	"github.com/daleheenan/startup-sub012/internal/id"
	"github.com/daleheenan/startup-sub012/internal/job"
	"github.com/daleheenan/startup-sub012/internal/session"
)

// Dispatcher manages a set of claim workers polling the store, plus a
// stats goroutine that periodically publishes queue counts on the bus.
type Dispatcher struct {
	store    job.Store
	registry *job.Registry
	tracker  *session.Tracker
	bus      *bus.Bus
	backoff  backoff.Strategy
	limiter  *rate.Limiter
	logger   *slog.Logger

	concurrency   int
	pollInterval  time.Duration
	statsInterval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency sets the number of concurrent claim workers.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.concurrency = n }
}

// WithPollInterval sets how often idle workers poll for new jobs.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

// WithStatsInterval sets how often queue stats are published on the
// bus. A zero value disables the stats loop.
func WithStatsInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.statsInterval = interval }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(d *Dispatcher) { d.backoff = s }
}

// WithClaimRate caps the aggregate claim rate across all workers,
// smoothing bursts against the store and the provider.
func WithClaimRate(perSecond float64, burst int) Option {
	return func(d *Dispatcher) { d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New creates a Dispatcher.
func New(
	store job.Store,
	registry *job.Registry,
	tracker *session.Tracker,
	eventBus *bus.Bus,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		store:         store,
		registry:      registry,
		tracker:       tracker,
		bus:           eventBus,
		backoff:       backoff.DefaultStrategy(),
		logger:        logger,
		concurrency:   2,
		pollInterval:  time.Second,
		statsInterval: 10 * time.Second,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the claim workers. It returns immediately.
func (d *Dispatcher) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	d.running = true

	d.logger.Info("dispatcher starting",
		slog.Int("concurrency", d.concurrency),
		slog.Duration("poll_interval", d.pollInterval),
	)

	for range d.concurrency {
		d.wg.Add(1)
		go d.claimLoop()
	}

	if d.statsInterval > 0 {
		d.wg.Add(1)
		go d.statsLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight handlers to
// finish or the context to expire, whichever comes first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("dispatcher stopping")
	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher shutdown timed out with handlers in flight")
		return ctx.Err()
	}
}

// claimLoop is run by each claim worker goroutine.
func (d *Dispatcher) claimLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if d.limiter != nil && !d.limiter.Allow() {
			d.sleep()
			continue
		}

		ctx := context.Background()
		types := d.eligibleTypes(ctx)
		if len(types) == 0 {
			d.sleep()
			continue
		}

		claimed, err := d.store.ClaimNext(ctx, types)
		if err != nil {
			d.logger.Error("claim error", slog.String("error", err.Error()))
			d.sleep()
			continue
		}
		if claimed == nil {
			d.sleep()
			continue
		}

		d.publishJobUpdate(claimed)
		d.execute(ctx, claimed)
	}
}

// eligibleTypes returns the registered types a worker may claim right
// now. Types that consume the provider budget are excluded while the
// session window is exhausted, so throttled work stays pending instead
// of burning attempts.
func (d *Dispatcher) eligibleTypes(ctx context.Context) []job.Type {
	all := d.registry.Types()
	if d.tracker == nil || d.tracker.BudgetAvailable(ctx) {
		return all
	}

	limited := make(map[job.Type]struct{})
	for _, t := range d.registry.RateLimitedTypes() {
		limited[t] = struct{}{}
	}

	eligible := make([]job.Type, 0, len(all))
	for _, t := range all {
		if _, ok := limited[t]; !ok {
			eligible = append(eligible, t)
		}
	}
	return eligible
}

// execute runs one claimed job through its handler and records the
// outcome. The handler runs inside a recover barrier; a panic is a
// handler failure, never a dispatcher crash.
func (d *Dispatcher) execute(ctx context.Context, claimed *job.Job) {
	logger := d.logger.With(
		slog.String("job_id", claimed.ID.String()),
		slog.String("job_type", string(claimed.Type)),
		slog.String("target_id", claimed.TargetID),
		slog.Int("attempt", claimed.Attempts),
	)

	handler, ok := d.registry.Get(claimed.Type)
	if !ok {
		// Types outside the registry are never claimed; reaching here
		// means a registration was removed while jobs were pending.
		logger.Error("no handler registered for claimed job")
		d.failJob(ctx, claimed, fmt.Errorf("%w: %s", job.ErrUnknownType, claimed.Type), logger)
		return
	}

	run := job.NewRun(claimed, d.store, d.progressFunc(claimed))

	start := time.Now()
	err := d.runHandler(ctx, handler, run)
	elapsed := time.Since(start)

	if err != nil {
		logger.Warn("job failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)
		d.failJob(ctx, claimed, err, logger)
		return
	}

	if completeErr := d.store.Complete(ctx, claimed.ID); completeErr != nil {
		logger.Error("mark job completed", slog.String("error", completeErr.Error()))
		return
	}
	logger.Info("job completed", slog.Duration("elapsed", elapsed))
	d.publishJobState(ctx, claimed.ID)
}

// runHandler invokes the handler with panic isolation.
func (d *Dispatcher) runHandler(ctx context.Context, handler job.HandlerFunc, run *job.Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, run)
}

// failJob classifies a handler error and records the failure. A
// rate-limit signal marks the session window exhausted and schedules
// the retry for the provider's reset time; everything else gets the
// configured backoff delay.
func (d *Dispatcher) failJob(ctx context.Context, claimed *job.Job, handlerErr error, logger *slog.Logger) {
	retryAt := time.Now().UTC().Add(d.backoff.Delay(claimed.Attempts))

	var rle *job.RateLimitError
	if errors.As(handlerErr, &rle) {
		if d.tracker != nil {
			if markErr := d.tracker.MarkLimited(ctx, rle.ResetAt); markErr != nil {
				logger.Error("mark session limited", slog.String("error", markErr.Error()))
			}
		}
		if !rle.ResetAt.IsZero() {
			retryAt = rle.ResetAt.UTC()
		}
		logger.Warn("provider rate limited", slog.Time("retry_at", retryAt))
	}

	// Every handler failure is retryable; the attempt ceiling in the
	// store decides when the job goes terminal.
	if failErr := d.store.Fail(ctx, claimed.ID, handlerErr.Error(), true, retryAt); failErr != nil {
		logger.Error("record job failure", slog.String("error", failErr.Error()))
		return
	}
	d.publishJobState(ctx, claimed.ID)
}

// progressFunc builds the progress callback handed to a handler's Run.
// Payloads are wrapped with the job identity so stream consumers can
// route them without extra lookups.
func (d *Dispatcher) progressFunc(claimed *job.Job) job.ProgressFunc {
	return func(_ context.Context, data json.RawMessage) {
		d.bus.Publish(bus.ChannelChapterProgress, map[string]any{
			"jobId":    claimed.ID,
			"type":     claimed.Type,
			"targetId": claimed.TargetID,
			"progress": data,
		})
	}
}

// publishJobUpdate publishes the current in-memory view of a job.
func (d *Dispatcher) publishJobUpdate(claimed *job.Job) {
	d.bus.Publish(bus.ChannelJobUpdate, claimed)
}

// publishJobState re-reads a job and publishes its stored state, so
// subscribers see the exact post-transition record.
func (d *Dispatcher) publishJobState(ctx context.Context, jobID id.JobID) {
	fresh, err := d.store.Get(ctx, jobID)
	if err != nil {
		d.logger.Error("load job for event",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.bus.Publish(bus.ChannelJobUpdate, fresh)
}

func (d *Dispatcher) sleep() {
	select {
	case <-d.stopCh:
	case <-time.After(d.pollInterval):
	}
}

// statsLoop periodically publishes queue and session stats on the bus.
func (d *Dispatcher) statsLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.publishStats()
		}
	}
}

func (d *Dispatcher) publishStats() {
	ctx := context.Background()

	stats, err := d.store.GetStats(ctx)
	if err != nil {
		d.logger.Error("queue stats", slog.String("error", err.Error()))
		return
	}

	payload := map[string]any{"queue": stats}
	if d.tracker != nil {
		payload["session"] = d.tracker.GetStatus()
	}
	d.bus.Publish(bus.ChannelQueueStats, payload)
}
