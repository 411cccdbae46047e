// Package job defines the durable job record, its lifecycle states, the
// persistence contract, and the handler registry. The queue is
// domain-agnostic: a job is a (type, targetID, payload) tuple dispatched
// to a registered handler, with an opaque checkpoint blob the handler may
// persist mid-execution to resume after interruption.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/daleheenan/startup-sub012/internal/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting to be claimed by the dispatcher.
	StatusPending Status = "pending"
	// StatusRunning means a dispatcher worker currently holds the claim.
	StatusRunning Status = "running"
	// StatusCompleted means the job finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the job exhausted its retries. Terminal except
	// for an operator-triggered requeue.
	StatusFailed Status = "failed"
	// StatusPaused means an operator halted automatic retry without
	// discarding the job's checkpoint.
	StatusPaused Status = "paused"
)

// Terminal reports whether the status is a terminal state.
// Paused jobs are not terminal: they hold their slot for the target and
// can be requeued.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Type identifies the kind of work a job carries. The set is closed:
// handlers are registered per type at startup, and an unregistered type
// is a configuration error, never a runtime job failure.
type Type string

const (
	TypeGenerateChapter    Type = "generate_chapter"
	TypeGenerateOutline    Type = "generate_outline"
	TypeGenerateCharacters Type = "generate_characters"
)

// KnownTypes is the closed set of valid job types.
var KnownTypes = []Type{
	TypeGenerateChapter,
	TypeGenerateOutline,
	TypeGenerateCharacters,
}

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// ParseType validates a type string against the closed set.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Job represents a unit of asynchronous work acting on a domain target.
type Job struct {
	ID       id.JobID `json:"id"`
	Type     Type     `json:"type"`
	TargetID string   `json:"targetId"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`
	LastError   string `json:"error,omitempty"`

	// Checkpoint is the handler-defined partial-progress blob. The queue
	// never inspects its contents: it is persisted with the running
	// claim, returned unchanged on the next claim, and cleared on
	// completion.
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`

	// RunAt is the earliest time the job is eligible for claim. Automatic
	// retries push it forward by the backoff delay; claim order among
	// eligible jobs remains FIFO by CreatedAt.
	RunAt time.Time `json:"runAt"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// New builds a pending job for the given type and target.
func New(t Type, targetID string, payload json.RawMessage, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          id.NewJobID(),
		Type:        t,
		TargetID:    targetID,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
