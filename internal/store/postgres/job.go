package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daleheenan/startup-sub012/internal/id"
	"github.com/daleheenan/startup-sub012/internal/job"
)

const jobColumns = `
	id, type, target_id, payload, status, attempts, max_attempts,
	last_error, checkpoint, run_at, started_at, completed_at,
	created_at, updated_at`

// Enqueue persists a new pending job. The partial unique index on
// (type, target_id) rejects a second non-terminal job for the same
// target; the unique violation maps to ErrDuplicateActiveJob.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_jobs (
			id, type, target_id, payload, status, attempts, max_attempts,
			last_error, checkpoint, run_at, started_at, completed_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14
		)`,
		j.ID.String(), string(j.Type), j.TargetID, []byte(j.Payload), string(j.Status),
		j.Attempts, j.MaxAttempts,
		j.LastError, []byte(j.Checkpoint), j.RunAt, j.StartedAt, j.CompletedAt,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", job.ErrDuplicateActiveJob, j.Type, j.TargetID)
		}
		return fmt.Errorf("postgres: enqueue job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the oldest eligible pending job of the
// given types. FOR UPDATE SKIP LOCKED keeps concurrent claimers from
// ever selecting the same row.
func (s *Store) ClaimNext(ctx context.Context, types []job.Type) (*job.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	row := s.pool.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE queue_jobs
			SET status = 'running',
			    attempts = attempts + 1,
			    started_at = NOW(),
			    updated_at = NOW()
			WHERE id = (
				SELECT id FROM queue_jobs
				WHERE status = 'pending'
				  AND type = ANY($1)
				  AND run_at <= NOW()
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed`,
		typeNames,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: claim job: %w", err)
	}
	return j, nil
}

// WriteCheckpoint updates the checkpoint of a running job.
func (s *Store) WriteCheckpoint(ctx context.Context, jobID id.JobID, checkpoint json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET checkpoint = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		jobID.String(), []byte(checkpoint),
	)
	if err != nil {
		return fmt.Errorf("postgres: write checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID, job.ErrNotRunning)
	}
	return nil
}

// Complete marks a running job completed, clearing checkpoint and error.
func (s *Store) Complete(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'completed',
		    checkpoint = NULL,
		    last_error = '',
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID, job.ErrNotRunning)
	}
	return nil
}

// Fail records a failure on a running job. A retryable failure with
// attempts remaining returns the job to pending with run_at pushed to
// retryAt; otherwise the job is failed terminally. The checkpoint is
// kept either way so an operator requeue can resume partial work.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, errMsg string, retryable bool, retryAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = CASE
		        WHEN $2::boolean AND attempts < max_attempts THEN 'pending'
		        ELSE 'failed'
		    END,
		    run_at = CASE
		        WHEN $2::boolean AND attempts < max_attempts THEN $3::timestamptz
		        ELSE run_at
		    END,
		    completed_at = CASE
		        WHEN $2::boolean AND attempts < max_attempts THEN completed_at
		        ELSE NOW()
		    END,
		    last_error = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		jobID.String(), retryable, retryAt.UTC(), errMsg,
	)
	if err != nil {
		return fmt.Errorf("postgres: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID, job.ErrNotRunning)
	}
	return nil
}

// Pause halts automatic retry for a pending, running, or failed job.
func (s *Store) Pause(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'paused', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running', 'failed')`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: pause job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID, job.ErrInvalidState)
	}
	return nil
}

// Requeue returns a failed or paused job to pending.
func (s *Store) Requeue(ctx context.Context, jobID id.JobID, resetAttempts bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'pending',
		    run_at = NOW(),
		    completed_at = NULL,
		    attempts = CASE WHEN $2::boolean THEN 0 ELSE attempts END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('failed', 'paused')`,
		jobID.String(), resetAttempts,
	)
	if err != nil {
		return fmt.Errorf("postgres: requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID, job.ErrInvalidState)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return j, nil
}

// List returns jobs matching opts, newest first, plus the total count
// before pagination.
func (s *Store) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, int64, error) {
	where := ""
	args := []any{}
	if opts.Status != "" {
		where = " WHERE status = $1"
		args = append(args, string(opts.Status))
	}

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_jobs`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM queue_jobs` + where +
		` ORDER BY created_at DESC, id DESC`
	argIdx := len(args) + 1
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// GetStats returns per-status job counts.
func (s *Store) GetStats(ctx context.Context) (job.Stats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM queue_jobs GROUP BY status`,
	)
	if err != nil {
		return job.Stats{}, fmt.Errorf("postgres: job stats: %w", err)
	}
	defer rows.Close()

	var stats job.Stats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return job.Stats{}, fmt.Errorf("postgres: scan job stats: %w", err)
		}
		switch job.Status(status) {
		case job.StatusPending:
			stats.Pending = count
		case job.StatusRunning:
			stats.Running = count
		case job.StatusCompleted:
			stats.Completed = count
		case job.StatusFailed:
			stats.Failed = count
		case job.StatusPaused:
			stats.Paused = count
		}
	}
	if err := rows.Err(); err != nil {
		return job.Stats{}, fmt.Errorf("postgres: job stats rows: %w", err)
	}
	return stats, nil
}

// transitionError resolves a zero-rows-affected transition into the
// precise error: the job is missing, or it exists in a state that does
// not permit the transition.
func (s *Store) transitionError(ctx context.Context, jobID id.JobID, stateErr error) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM queue_jobs WHERE id = $1`, jobID.String(),
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
		}
		return fmt.Errorf("postgres: lookup job %s: %w", jobID, err)
	}
	return fmt.Errorf("%w: %s is %s", stateErr, jobID, status)
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j          job.Job
		rawID      string
		jobType    string
		status     string
		payload    []byte
		checkpoint []byte
	)

	err := row.Scan(
		&rawID, &jobType, &j.TargetID, &payload, &status,
		&j.Attempts, &j.MaxAttempts,
		&j.LastError, &checkpoint, &j.RunAt, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse job id %q: %w", rawID, err)
	}
	j.ID = parsedID
	j.Type = job.Type(jobType)
	j.Status = job.Status(status)
	j.Payload = json.RawMessage(payload)
	j.Checkpoint = json.RawMessage(checkpoint)

	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}
