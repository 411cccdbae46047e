package job

import "context"

// Options configures per-type dispatch behaviour.
type Options struct {
	// MaxAttempts is the attempt ceiling for jobs of this type.
	MaxAttempts int

	// RateLimited marks the type as consuming the external provider's
	// session budget. Rate-limited types are excluded from claiming
	// while the budget is exhausted.
	RateLimited bool
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the options applied to a definition before any
// Option is run.
func DefaultOptions() Options {
	return Options{MaxAttempts: 3}
}

// WithMaxAttempts sets the attempt ceiling for the job type.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithRateLimited marks the job type as rate limited by the provider.
func WithRateLimited() Option {
	return func(o *Options) { o.RateLimited = true }
}

// Definition is a typed job definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Type is the job type this handler serves.
	Type Type

	// Handler processes one claimed job. It receives the Run context for
	// checkpoint writes and progress emission alongside the decoded
	// payload.
	Handler func(ctx context.Context, run *Run, payload T) error

	// Opts configures retries and rate-limit participation.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](t Type, handler func(ctx context.Context, run *Run, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Type:    t,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
