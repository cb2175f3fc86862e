package job

import (
	"encoding/json"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be picked up by a worker.
	StatePending State = "pending"
	// StateRunning means the job is currently executing.
	StateRunning State = "running"
	// StateRetrying means the job failed but is scheduled for another attempt.
	StateRetrying State = "retrying"
	// StateSucceeded means the job finished successfully.
	StateSucceeded State = "succeeded"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final. A job never transitions
// out of a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job represents one unit of work dispatched to the worker.
type Job struct {
	ftworker.Entity

	ID         id.JobID        `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	State      State           `json:"state"`
	Priority   int             `json:"priority"`
	Attempt    int             `json:"attempt"`
	LastError  string          `json:"last_error,omitempty"`
	WorkerID   id.WorkerID     `json:"worker_id,omitempty"`
	RunAt      time.Time       `json:"run_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Timeout    time.Duration   `json:"timeout,omitempty"`
}

// Transition moves the job to the given state, enforcing that terminal
// states are never left. The caller persists the change.
func (j *Job) Transition(to State) error {
	if j.State.Terminal() {
		return ftworker.ErrInvalidState
	}
	j.State = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}
