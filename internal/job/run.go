package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/daleheenan/startup-sub012/internal/id"
)

// CheckpointWriter is the slice of Store a running handler may touch.
// Only the handler that currently holds the claim writes checkpoints.
type CheckpointWriter interface {
	WriteCheckpoint(ctx context.Context, jobID id.JobID, checkpoint json.RawMessage) error
}

// ProgressFunc forwards a handler-emitted progress payload onto the
// event bus. Delivery is fire-and-forget.
type ProgressFunc func(ctx context.Context, data json.RawMessage)

// Run is the execution context handed to a handler for one claimed job.
// It exposes the job's identity and resume checkpoint, and the two side
// channels a handler is allowed: checkpoint persistence and progress
// emission.
type Run struct {
	job         Job
	checkpoints CheckpointWriter
	progress    ProgressFunc
}

// NewRun builds the execution context for a claimed job. The job value is
// copied so handler code cannot race with the store's record.
func NewRun(j *Job, cw CheckpointWriter, progress ProgressFunc) *Run {
	return &Run{
		job:         *j,
		checkpoints: cw,
		progress:    progress,
	}
}

// JobID returns the claimed job's ID.
func (r *Run) JobID() id.JobID { return r.job.ID }

// Type returns the claimed job's type.
func (r *Run) Type() Type { return r.job.Type }

// TargetID returns the identifier of the domain entity the job acts on.
func (r *Run) TargetID() string { return r.job.TargetID }

// Attempt returns the current attempt number (1 on the first claim).
func (r *Run) Attempt() int { return r.job.Attempts }

// Payload returns the raw enqueue payload.
func (r *Run) Payload() json.RawMessage { return r.job.Payload }

// Checkpoint returns the checkpoint written during a previous attempt,
// unchanged, or nil on a fresh job.
func (r *Run) Checkpoint() json.RawMessage { return r.job.Checkpoint }

// RestoreCheckpoint unmarshals the previous checkpoint into v.
// Returns false without touching v when no checkpoint exists.
func (r *Run) RestoreCheckpoint(v any) (bool, error) {
	if len(r.job.Checkpoint) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(r.job.Checkpoint, v); err != nil {
		return false, fmt.Errorf("job: restore checkpoint: %w", err)
	}
	return true, nil
}

// SaveCheckpoint marshals v and persists it atomically with the running
// claim, so an interrupted job can resume without redoing completed
// sub-work.
func (r *Run) SaveCheckpoint(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("job: marshal checkpoint: %w", err)
	}
	if err := r.checkpoints.WriteCheckpoint(ctx, r.job.ID, data); err != nil {
		return err
	}
	r.job.Checkpoint = data
	return nil
}

// Progress emits an intermediate progress event for this job. The payload
// is forwarded to the event bus unchanged; a slow or absent subscriber
// never blocks the handler.
func (r *Run) Progress(ctx context.Context, v any) error {
	if r.progress == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("job: marshal progress: %w", err)
	}
	r.progress(ctx, data)
	return nil
}
