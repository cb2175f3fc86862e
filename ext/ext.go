// Package ext defines the worker's extension system. Extensions are
// notified of lifecycle events (job submitted, started, finished, watcher
// triggers, shutdown) and can react to them — forwarding status to the
// control plane, recording metrics, writing audit logs.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/finetune-build/Worker/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobSubmitted is called after a job is accepted by the orchestrator.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobStarted is called when execution of a job begins.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobSucceeded is called after a job finishes successfully.
type JobSucceeded interface {
	OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobCancelled is called when a job is cancelled.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// WatcherTriggered is called when a filesystem change produced a job.
type WatcherTriggered interface {
	OnWatcherTriggered(ctx context.Context, path string, j *job.Job) error
}

// Shutdown is called once during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
