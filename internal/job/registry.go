package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is a type-erased job handler. The typed Definition[T] is
// converted to a HandlerFunc at registration time by closing over JSON
// unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, run *Run) error

type registration struct {
	handler HandlerFunc
	opts    Options
}

// Registry maps job types to handler functions. Registration happens at
// startup; registering outside the closed type set panics so that
// misconfiguration is caught before any job is dispatched.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]registration
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Type]registration),
	}
}

// RegisterDefinition registers a typed job definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into T
// before calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	if !def.Type.Valid() {
		panic(fmt.Sprintf("job: register unknown type %q", def.Type))
	}

	handler := func(ctx context.Context, run *Run) error {
		var t T
		if len(run.Payload()) > 0 {
			if err := json.Unmarshal(run.Payload(), &t); err != nil {
				return fmt.Errorf("unmarshal payload for job type %q: %w", def.Type, err)
			}
		}
		return def.Handler(ctx, run, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Type] = registration{handler: handler, opts: def.Opts}
}

// Get returns the handler for the given job type.
// Returns false if no handler is registered.
func (r *Registry) Get(t Type) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[t]
	return reg.handler, ok
}

// Options returns the registration options for the given job type.
func (r *Registry) Options(t Type) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[t]
	return reg.opts, ok
}

// Types returns all registered job types in stable order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, k int) bool { return types[i] < types[k] })
	return types
}

// RateLimitedTypes returns the registered types that consume the external
// provider's budget. The dispatcher excludes these from the eligible set
// while the session window is exhausted.
func (r *Registry) RateLimitedTypes() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.handlers))
	for t, reg := range r.handlers {
		if reg.opts.RateLimited {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, k int) bool { return types[i] < types[k] })
	return types
}
