package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates the job ID does not exist in the store.
	ErrNotFound = errors.New("job: not found")

	// ErrDuplicateActiveJob indicates a non-terminal job already exists
	// for the same (type, targetID) pair.
	ErrDuplicateActiveJob = errors.New("job: active job already exists for target")

	// ErrNotRunning indicates a checkpoint write against a job that does
	// not currently hold a claim. This is a programming error in the
	// handler, not a transient condition.
	ErrNotRunning = errors.New("job: job is not running")

	// ErrInvalidState indicates an operator transition (pause, requeue)
	// against a job whose current status does not permit it.
	ErrInvalidState = errors.New("job: invalid state transition")

	// ErrUnknownType indicates a type string outside the closed type set.
	ErrUnknownType = errors.New("job: unknown job type")
)

// RateLimitError signals that the external provider throttled the handler.
// Rate-limited failures are always retryable and additionally tell the
// dispatcher to stop claiming rate-limited job types until ResetAt.
type RateLimitError struct {
	// ResetAt is when the provider's window is expected to reopen.
	// Zero means unknown; the dispatcher falls back to its backoff delay.
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return "job: provider rate limited"
	}
	return fmt.Sprintf("job: provider rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// IsRateLimited reports whether err is (or wraps) a RateLimitError.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}
