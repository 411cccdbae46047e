// Package memory provides an in-memory store for development and tests.
// It implements the same contracts as the Postgres store, including
// atomic claim semantics, so the dispatcher behaves identically against
// either backend. All state is lost on process exit.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/daleheenan/startup-sub012/internal/id"
	"github.com/daleheenan/startup-sub012/internal/job"
	"github.com/daleheenan/startup-sub012/internal/session"
)

// Store is an in-memory implementation of job.Store and session.Store.
// A single mutex guards all state; claim-and-transition is atomic by
// construction.
type Store struct {
	mu           sync.Mutex
	jobs         map[string]*job.Job
	sessionState session.State

	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Job),
		now:  time.Now,
	}
}

// Enqueue persists a new pending job, enforcing the single-active-job
// rule per (type, targetID).
func (s *Store) Enqueue(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.Type == j.Type && existing.TargetID == j.TargetID && !existing.Status.Terminal() {
			return fmt.Errorf("%w: %s %s", job.ErrDuplicateActiveJob, j.Type, j.TargetID)
		}
	}

	s.jobs[j.ID.String()] = cloneJob(j)
	return nil
}

// ClaimNext claims the oldest eligible pending job of the given types.
func (s *Store) ClaimNext(_ context.Context, types []job.Type) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[job.Type]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}

	now := s.now().UTC()

	var oldest *job.Job
	for _, j := range s.jobs {
		if j.Status != job.StatusPending {
			continue
		}
		if _, ok := allowed[j.Type]; !ok {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = job.StatusRunning
	oldest.Attempts++
	oldest.StartedAt = timePtr(now)
	oldest.UpdatedAt = now

	return cloneJob(oldest), nil
}

// WriteCheckpoint updates the checkpoint of a running job.
func (s *Store) WriteCheckpoint(_ context.Context, jobID id.JobID, checkpoint json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}
	if j.Status != job.StatusRunning {
		return fmt.Errorf("%w: %s is %s", job.ErrNotRunning, jobID, j.Status)
	}

	j.Checkpoint = cloneRaw(checkpoint)
	j.UpdatedAt = s.now().UTC()
	return nil
}

// Complete marks a running job completed and clears transient state.
func (s *Store) Complete(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}
	if j.Status != job.StatusRunning {
		return fmt.Errorf("%w: %s is %s", job.ErrNotRunning, jobID, j.Status)
	}

	now := s.now().UTC()
	j.Status = job.StatusCompleted
	j.Checkpoint = nil
	j.LastError = ""
	j.CompletedAt = timePtr(now)
	j.UpdatedAt = now
	return nil
}

// Fail records a failure on a running job, returning it to pending when
// the failure is retryable and attempts remain.
func (s *Store) Fail(_ context.Context, jobID id.JobID, errMsg string, retryable bool, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}
	if j.Status != job.StatusRunning {
		return fmt.Errorf("%w: %s is %s", job.ErrNotRunning, jobID, j.Status)
	}

	now := s.now().UTC()
	j.LastError = errMsg
	j.UpdatedAt = now

	if retryable && j.Attempts < j.MaxAttempts {
		j.Status = job.StatusPending
		j.RunAt = retryAt.UTC()
		return nil
	}

	j.Status = job.StatusFailed
	j.CompletedAt = timePtr(now)
	return nil
}

// Pause halts automatic retry for a pending, running, or failed job.
func (s *Store) Pause(_ context.Context, jobID id.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}
	switch j.Status {
	case job.StatusPending, job.StatusRunning, job.StatusFailed:
	default:
		return fmt.Errorf("%w: cannot pause %s job %s", job.ErrInvalidState, j.Status, jobID)
	}

	j.Status = job.StatusPaused
	j.UpdatedAt = s.now().UTC()
	return nil
}

// Requeue returns a failed or paused job to pending.
func (s *Store) Requeue(_ context.Context, jobID id.JobID, resetAttempts bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}
	switch j.Status {
	case job.StatusFailed, job.StatusPaused:
	default:
		return fmt.Errorf("%w: cannot requeue %s job %s", job.ErrInvalidState, j.Status, jobID)
	}

	now := s.now().UTC()
	j.Status = job.StatusPending
	j.RunAt = now
	j.CompletedAt = nil
	if resetAttempts {
		j.Attempts = 0
	}
	j.UpdatedAt = now
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(_ context.Context, jobID id.JobID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}
	return cloneJob(j), nil
}

// List returns jobs matching opts, newest first.
func (s *Store) List(_ context.Context, opts job.ListOpts) ([]*job.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		matched = append(matched, j)
	}

	// Newest first; CreatedAt ties broken by ID for a stable order.
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID.String() > matched[b].ID.String()
	})

	total := int64(len(matched))

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*job.Job{}, total, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	out := make([]*job.Job, len(matched))
	for i, j := range matched {
		out[i] = cloneJob(j)
	}
	return out, total, nil
}

// GetStats returns per-status job counts.
func (s *Store) GetStats(_ context.Context) (job.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats job.Stats
	for _, j := range s.jobs {
		switch j.Status {
		case job.StatusPending:
			stats.Pending++
		case job.StatusRunning:
			stats.Running++
		case job.StatusCompleted:
			stats.Completed++
		case job.StatusFailed:
			stats.Failed++
		case job.StatusPaused:
			stats.Paused++
		}
	}
	return stats, nil
}

// LoadState returns the persisted session window state.
func (s *Store) LoadState(_ context.Context) (session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionState, nil
}

// SaveState persists the session window state.
func (s *Store) SaveState(_ context.Context, state session.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionState = state
	return nil
}

func cloneJob(j *job.Job) *job.Job {
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Checkpoint = cloneRaw(j.Checkpoint)
	if j.StartedAt != nil {
		c.StartedAt = timePtr(*j.StartedAt)
	}
	if j.CompletedAt != nil {
		c.CompletedAt = timePtr(*j.CompletedAt)
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
