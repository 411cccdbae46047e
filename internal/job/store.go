package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/daleheenan/startup-sub012/internal/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Status filters by job status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Stats holds per-status job counts for operational visibility.
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    int64 `json:"paused"`
}

// Store defines the persistence contract for jobs. It is the sole source
// of truth for job state; claim and status transition are a single atomic
// operation against the store.
type Store interface {
	// Enqueue persists a new pending job. Returns ErrDuplicateActiveJob
	// if a non-terminal job already exists for the same (type, targetID)
	// pair.
	Enqueue(ctx context.Context, j *Job) error

	// ClaimNext atomically selects the oldest eligible pending job whose
	// type is in types, sets it running, increments Attempts, and sets
	// StartedAt. Returns (nil, nil) when no eligible job exists. Safe
	// under concurrent callers: no two callers may claim the same job.
	ClaimNext(ctx context.Context, types []Type) (*Job, error)

	// WriteCheckpoint updates the checkpoint of a job currently running.
	// Returns ErrNotRunning otherwise.
	WriteCheckpoint(ctx context.Context, jobID id.JobID, checkpoint json.RawMessage) error

	// Complete marks a running job completed, clearing its checkpoint
	// and last error.
	Complete(ctx context.Context, jobID id.JobID) error

	// Fail records a failure on a running job. With retryable=true and
	// Attempts < MaxAttempts the job returns to pending (checkpoint
	// preserved) with RunAt=retryAt; otherwise it becomes failed.
	Fail(ctx context.Context, jobID id.JobID, errMsg string, retryable bool, retryAt time.Time) error

	// Pause halts automatic retry for a running or failed job without
	// discarding its checkpoint. It does not interrupt an in-flight
	// handler invocation.
	Pause(ctx context.Context, jobID id.JobID) error

	// Requeue is the operator-triggered re-queue of a failed or paused
	// job. Attempts are preserved unless resetAttempts is set, so that
	// operator intervention stays distinguishable from automatic retry.
	Requeue(ctx context.Context, jobID id.JobID, resetAttempts bool) error

	// Get retrieves a job by ID.
	Get(ctx context.Context, jobID id.JobID) (*Job, error)

	// List returns jobs matching opts, newest first, plus the total
	// count before pagination.
	List(ctx context.Context, opts ListOpts) ([]*Job, int64, error)

	// GetStats returns per-status job counts.
	GetStats(ctx context.Context) (Stats, error)
}
