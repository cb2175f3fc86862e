// Package worker contains the execution engine: an Executor that runs a
// single job through middleware and the registered handler, and an
// Orchestrator that owns the job lifecycle from submission to terminal
// state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/backoff"
	"github.com/finetune-build/Worker/ext"
	"github.com/finetune-build/Worker/job"
	"github.com/finetune-build/Worker/middleware"
	"github.com/finetune-build/Worker/queue"
)

// Executor runs a single job through the middleware chain and the
// registered handler, then persists the outcome: success, a retry with
// backoff, or a final failure. Every failure is either rescheduled or
// recorded; none is dropped.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	store      job.Store
	queue      queue.Queue
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	store job.Store,
	q queue.Queue,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		extensions: extensions,
		store:      store,
		queue:      q,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs one attempt of a job. The attempt counter is incremented
// and the running state persisted before the handler is invoked, so a
// crash mid-execution is visible to startup recovery.
//
// On success the job is marked succeeded. On failure with attempts
// remaining it is marked retrying and re-enqueued with a backoff delay.
// On failure with attempts exhausted it is marked failed. If ctx was
// cancelled the job state is left untouched and the cancellation error
// returned; the caller decides between an explicit cancel and a shutdown.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Kind)
	if !ok {
		return e.markFailed(ctx, j, fmt.Errorf("%w: %q", ftworker.ErrUnknownKind, j.Kind))
	}

	now := time.Now().UTC()
	j.Attempt++
	j.State = job.StateRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	if err := e.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	e.extensions.EmitJobStarted(ctx, j)

	terminal := func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	}

	start := time.Now()
	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	// Outcome persistence must survive the job context being cancelled
	// or timed out.
	persistCtx := context.WithoutCancel(ctx)
	j.UpdatedAt = time.Now().UTC()

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		return e.handleFailure(persistCtx, j, err)
	}

	return e.handleSuccess(persistCtx, j, elapsed)
}

// handleSuccess marks the job succeeded and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	now := time.Now().UTC()
	j.State = job.StateSucceeded
	j.FinishedAt = &now
	j.LastError = ""

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_kind", j.Kind),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobSucceeded(ctx, j, elapsed)
	return nil
}

// handleFailure consults the kind's retry policy and either schedules
// another attempt or marks the job failed for good.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error) error {
	j.LastError = handlerErr.Error()

	policy := e.registry.RetryPolicy(j.Kind)
	if j.Attempt < policy.MaxAttempts {
		return e.scheduleRetry(ctx, j, policy, handlerErr)
	}

	return e.markFailed(ctx, j, handlerErr)
}

// scheduleRetry sets the job to retrying and re-enqueues it after the
// policy's backoff delay.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, policy job.RetryPolicy, handlerErr error) error {
	delay := backoff.FromPolicy(policy.BaseDelay, policy.MaxDelay).Delay(j.Attempt)
	now := time.Now().UTC()
	j.State = job.StateRetrying
	j.RunAt = now.Add(delay)

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobRetrying(ctx, j, j.Attempt, j.RunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_kind", j.Kind),
		slog.Int("attempt", j.Attempt),
		slog.Int("max_attempts", policy.MaxAttempts),
		slog.Duration("delay", delay),
	)

	if enqueueErr := e.queue.Enqueue(ctx, j, delay); enqueueErr != nil {
		e.logger.Error("failed to re-enqueue retrying job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", enqueueErr.Error()),
		)
		return enqueueErr
	}

	return fmt.Errorf("job %s attempt %d/%d: %w", j.Kind, j.Attempt, policy.MaxAttempts, handlerErr)
}

// markFailed records the terminal failure and emits the lifecycle event.
func (e *Executor) markFailed(ctx context.Context, j *job.Job, handlerErr error) error {
	now := time.Now().UTC()
	j.State = job.StateFailed
	j.FinishedAt = &now
	j.LastError = handlerErr.Error()
	j.UpdatedAt = now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobFailed(ctx, j, handlerErr)

	e.logger.Warn("job failed after exhausting attempts",
		slog.String("job_id", j.ID.String()),
		slog.String("job_kind", j.Kind),
		slog.Int("attempt", j.Attempt),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}
