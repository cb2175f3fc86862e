package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/ext"
	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
	"github.com/finetune-build/Worker/middleware"
	"github.com/finetune-build/Worker/queue"
	"github.com/finetune-build/Worker/store/memory"
	"github.com/finetune-build/Worker/worker"
)

// A cancel can land between the dispatcher loading a delivered job and
// claiming it. The row is then already terminal and the stale copy the
// dispatcher holds must neither run nor overwrite the cancelled state.
func TestCancelDuringDispatchKeepsJobCancelled(t *testing.T) {
	logger := slog.Default()
	s := memory.New()
	reg := job.NewRegistry()
	extensions := ext.NewRegistry(logger)
	q := queue.NewMemory(8)
	defer q.Close() //nolint:errcheck

	executor := worker.NewExecutor(reg, extensions, s, q, logger,
		middleware.Recover(logger),
		middleware.Timeout(logger),
	)

	var executions atomic.Int32
	job.RegisterDefinition(reg, job.NewDefinition("train", func(context.Context, struct{}) error {
		executions.Add(1)
		return nil
	}))

	ctx := context.Background()
	j := &job.Job{
		Entity:  ftworker.NewEntity(),
		ID:      id.NewJobID(),
		Kind:    "train",
		Payload: []byte(`{}`),
		State:   job.StatePending,
		RunAt:   time.Now().UTC(),
	}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The dispatcher's view of the row, loaded before the cancel landed.
	stale := *j

	cancelled := *j
	if err := cancelled.Transition(job.StateCancelled); err != nil {
		t.Fatalf("transition: %v", err)
	}
	now := time.Now().UTC()
	cancelled.FinishedAt = &now
	if err := s.UpdateJob(ctx, &cancelled); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := executor.Execute(ctx, &stale); !errors.Is(err, ftworker.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if n := executions.Load(); n != 0 {
		t.Fatalf("handler ran %d times on a cancelled job", n)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
}
