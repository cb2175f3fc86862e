package job

import (
	"context"

	"github.com/finetune-build/Worker/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Kind filters by job kind. Empty means all kinds.
	Kind string
}

// Store defines the persistence contract for jobs. The store is the
// single source of truth for job status after a process restart: every
// state transition is durably recorded before it is considered complete.
type Store interface {
	// Migrate prepares the backing schema.
	Migrate(ctx context.Context) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources owned by the store.
	Close() error

	// CreateJob persists a new job. Returns ftworker.ErrJobAlreadyExists
	// if a job with the same ID is already recorded.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job. Returns
	// ftworker.ErrInvalidState when the update would move a row out of
	// a terminal state.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByState returns jobs in the given state, newest first.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// ListNonTerminal returns all jobs whose state is not terminal,
	// ordered by priority (descending) then RunAt (ascending). Used for
	// startup recovery.
	ListNonTerminal(ctx context.Context) ([]*Job, error)

	// CountJobsByState returns the number of jobs in the given state.
	CountJobsByState(ctx context.Context, state State) (int64, error)
}
