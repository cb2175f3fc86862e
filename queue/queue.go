// Package queue provides the buffering layer between job intake and the
// worker pool. Intake sources (realtime channel, filesystem watcher, API
// synchronization) enqueue; the orchestrator consumes.
package queue

import (
	"context"
	"time"

	"github.com/finetune-build/Worker/job"
)

// Delivery is one job handed to a consumer. The consumer must call Ack
// after the job outcome has been durably recorded; unacked deliveries are
// redelivered by backends that support it.
type Delivery struct {
	Job *job.Job

	// Ack acknowledges the delivery. Safe to call more than once.
	Ack func(ctx context.Context) error
}

// Queue is the transport between job producers and the worker pool.
type Queue interface {
	// Enqueue makes the job available for consumption after the given
	// delay. A zero delay means immediately.
	Enqueue(ctx context.Context, j *job.Job, delay time.Duration) error

	// Consume returns a channel of deliveries. The channel is closed when
	// ctx is cancelled or the queue is closed.
	Consume(ctx context.Context) (<-chan Delivery, error)

	// Close stops delivery and releases resources.
	Close() error
}
