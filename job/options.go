package job

import (
	"time"

	"github.com/finetune-build/Worker/id"
)

// RetryPolicy bounds retry behavior for a job kind.
type RetryPolicy struct {
	// MaxAttempts is the total number of executions allowed, including
	// the first. A job whose attempt count reaches MaxAttempts without
	// success is marked failed.
	MaxAttempts int

	// BaseDelay is the backoff delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy applied to kinds that do not
// declare their own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

// Options configures per-job behavior at submission time.
type Options struct {
	// ID forces the job identity. Submissions reusing the ID of a
	// non-terminal job are deduplicated. Zero means generate a new ID.
	ID id.JobID

	// Priority determines dispatch ordering. Higher values first.
	Priority int

	// Timeout overrides the kind's execution deadline. Zero means use
	// the kind default.
	Timeout time.Duration

	// RunAt schedules the job for future execution. Zero means immediate.
	RunAt time.Time
}

// Option is a functional option applied at submission.
type Option func(*Options)

// WithID forces the job identity, enabling control-plane-driven dedup.
func WithID(jobID id.JobID) Option {
	return func(o *Options) { o.ID = jobID }
}

// WithPriority sets the job priority. Higher values are dispatched first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithTimeout sets the maximum execution duration for this job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) { o.RunAt = t }
}
