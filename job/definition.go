package job

import (
	"context"
	"time"
)

// Definition describes a typed job kind: its name, handler, retry policy,
// and execution timeout. T is the payload type, JSON-unmarshalled before
// the handler runs.
type Definition[T any] struct {
	// Kind is the unique name of this job type.
	Kind string

	// Handler executes one unit of work. It must observe ctx cancellation
	// at its checkpoints; cancellation is cooperative, not preemptive.
	Handler func(ctx context.Context, payload T) error

	// Retry bounds retries for this kind. Zero value means the registry
	// default applies.
	Retry RetryPolicy

	// Timeout is the per-execution deadline. Zero disables the deadline.
	Timeout time.Duration
}

// NewDefinition creates a Definition with the default retry policy.
func NewDefinition[T any](kind string, handler func(ctx context.Context, payload T) error) *Definition[T] {
	return &Definition[T]{
		Kind:    kind,
		Handler: handler,
		Retry:   DefaultRetryPolicy(),
	}
}
