package worker_test

import (
	"context"
	"encoding/json"
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
	"github.com/finetune-build/Worker/watcher"
	"github.com/finetune-build/Worker/worker"
)

func setupOrchestrator(t *testing.T, opts ...worker.Option) (*worker.Orchestrator, *memory.Store, *job.Registry) {
	t.Helper()
	logger := slog.Default()
	s := memory.New()
	reg := job.NewRegistry()
	extensions := ext.NewRegistry(logger)
	q := queue.NewMemory(64)

	executor := worker.NewExecutor(reg, extensions, s, q, logger,
		middleware.Recover(logger),
		middleware.Timeout(logger),
	)

	orch := worker.NewOrchestrator(s, q, reg, executor, extensions, logger,
		append([]worker.Option{worker.WithConcurrency(2)}, opts...)...)

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
		_ = q.Close()
		_ = s.Close()
	})

	return orch, s, reg
}

func waitDone(t *testing.T, h *worker.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to finish")
	}
}

// fastRetry is a retry policy with delays short enough for tests.
func fastRetry(maxAttempts int) job.RetryPolicy {
	return job.RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
	}
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	orch, s, reg := setupOrchestrator(t)

	var got atomic.Value
	job.RegisterDefinition(reg, job.NewDefinition("greet", func(_ context.Context, p struct{ Name string }) error {
		got.Store(p.Name)
		return nil
	}))

	payload, _ := json.Marshal(struct{ Name string }{Name: "Alice"})
	h, err := orch.Submit(context.Background(), "greet", payload)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	waitDone(t, h)

	if name, _ := got.Load().(string); name != "Alice" {
		t.Fatalf("handler saw payload name %q, want %q", name, "Alice")
	}
	if h.State() != job.StateSucceeded {
		t.Fatalf("handle state = %q, want succeeded", h.State())
	}

	stored, err := s.GetJob(context.Background(), h.ID())
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if stored.State != job.StateSucceeded {
		t.Fatalf("stored state = %q, want succeeded", stored.State)
	}
	if stored.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", stored.Attempt)
	}
	if stored.FinishedAt == nil {
		t.Fatal("expected FinishedAt to be set")
	}
}

func TestSubmitSameIDDeduplicates(t *testing.T) {
	orch, _, reg := setupOrchestrator(t)

	release := make(chan struct{})
	var executions atomic.Int32
	job.RegisterDefinition(reg, job.NewDefinition("slow", func(ctx context.Context, _ struct{}) error {
		executions.Add(1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	jobID := id.NewJobID()
	h1, err := orch.Submit(context.Background(), "slow", nil, job.WithID(jobID))
	if err != nil {
		t.Fatalf("first submit error: %v", err)
	}

	h2, err := orch.Submit(context.Background(), "slow", nil, job.WithID(jobID))
	if err != nil {
		t.Fatalf("second submit error: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected the same handle for a duplicate submission")
	}

	close(release)
	waitDone(t, h1)

	if n := executions.Load(); n != 1 {
		t.Fatalf("handler executed %d times, want 1", n)
	}

	// The ID of a finished job cannot be reused.
	if _, err := orch.Submit(context.Background(), "slow", nil, job.WithID(jobID)); !errors.Is(err, ftworker.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	orch, s, reg := setupOrchestrator(t)

	var attempts atomic.Int32
	def := job.NewDefinition("doomed", func(_ context.Context, _ struct{}) error {
		attempts.Add(1)
		return errors.New("out of memory")
	})
	def.Retry = fastRetry(3)
	job.RegisterDefinition(reg, def)

	h, err := orch.Submit(context.Background(), "doomed", nil)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	waitDone(t, h)

	if n := attempts.Load(); n != 3 {
		t.Fatalf("handler executed %d times, want 3", n)
	}
	if h.State() != job.StateFailed {
		t.Fatalf("handle state = %q, want failed", h.State())
	}
	if h.LastError() != "out of memory" {
		t.Fatalf("last error = %q, want %q", h.LastError(), "out of memory")
	}

	stored, err := s.GetJob(context.Background(), h.ID())
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if stored.State != job.StateFailed || stored.Attempt != 3 {
		t.Fatalf("stored state=%q attempt=%d, want failed/3", stored.State, stored.Attempt)
	}
}

func TestFailTwiceSucceedThird(t *testing.T) {
	orch, s, reg := setupOrchestrator(t)

	var attempts atomic.Int32
	def := job.NewDefinition("flaky", func(_ context.Context, _ struct{}) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	def.Retry = fastRetry(5)
	job.RegisterDefinition(reg, def)

	h, err := orch.Submit(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	waitDone(t, h)

	if h.State() != job.StateSucceeded {
		t.Fatalf("handle state = %q, want succeeded", h.State())
	}

	stored, err := s.GetJob(context.Background(), h.ID())
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if stored.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", stored.Attempt)
	}
	if stored.LastError != "" {
		t.Fatalf("last error = %q, want empty after success", stored.LastError)
	}
}

func TestCancelRunningJob(t *testing.T) {
	orch, s, reg := setupOrchestrator(t)

	started := make(chan struct{})
	job.RegisterDefinition(reg, job.NewDefinition("block", func(ctx context.Context, _ struct{}) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	h, err := orch.Submit(context.Background(), "block", nil)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to start")
	}

	if !orch.Cancel(context.Background(), h.ID()) {
		t.Fatal("expected Cancel to return true for a running job")
	}

	waitDone(t, h)

	if h.State() != job.StateCancelled {
		t.Fatalf("handle state = %q, want cancelled", h.State())
	}
	stored, err := s.GetJob(context.Background(), h.ID())
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if stored.State != job.StateCancelled {
		t.Fatalf("stored state = %q, want cancelled", stored.State)
	}
}

func TestCancelPendingJob(t *testing.T) {
	orch, s, reg := setupOrchestrator(t)

	job.RegisterDefinition(reg, job.NewDefinition("later", func(_ context.Context, _ struct{}) error {
		return nil
	}))

	h, err := orch.Submit(context.Background(), "later", nil, job.WithRunAt(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	if !orch.Cancel(context.Background(), h.ID()) {
		t.Fatal("expected Cancel to return true for a pending job")
	}

	waitDone(t, h)
	if h.State() != job.StateCancelled {
		t.Fatalf("handle state = %q, want cancelled", h.State())
	}

	stored, err := s.GetJob(context.Background(), h.ID())
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if stored.State != job.StateCancelled {
		t.Fatalf("stored state = %q, want cancelled", stored.State)
	}

	// A second cancel of the now-terminal job reports false.
	if orch.Cancel(context.Background(), h.ID()) {
		t.Fatal("expected Cancel to return false for a finished job")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	orch, _, _ := setupOrchestrator(t)

	if orch.Cancel(context.Background(), id.NewJobID()) {
		t.Fatal("expected Cancel to return false for an unknown job")
	}
}

func TestRecoverResumesInterruptedJobs(t *testing.T) {
	logger := slog.Default()
	s := memory.New()
	reg := job.NewRegistry()
	extensions := ext.NewRegistry(logger)
	q := queue.NewMemory(64)

	var ran atomic.Int32
	job.RegisterDefinition(reg, job.NewDefinition("resume", func(_ context.Context, _ struct{}) error {
		ran.Add(1)
		return nil
	}))

	// Simulate jobs left behind by a crashed process: one caught
	// mid-execution, one still pending.
	now := time.Now().UTC()
	startedAt := now.Add(-time.Minute)
	interrupted := &job.Job{
		ID:        id.NewJobID(),
		Kind:      "resume",
		State:     job.StateRunning,
		Attempt:   1,
		WorkerID:  id.NewWorkerID(),
		RunAt:     startedAt,
		StartedAt: &startedAt,
	}
	interrupted.CreatedAt = startedAt
	interrupted.UpdatedAt = startedAt

	pending := &job.Job{
		ID:    id.NewJobID(),
		Kind:  "resume",
		State: job.StatePending,
		RunAt: now,
	}
	pending.CreatedAt = now
	pending.UpdatedAt = now

	for _, j := range []*job.Job{interrupted, pending} {
		if err := s.CreateJob(context.Background(), j); err != nil {
			t.Fatalf("seed error: %v", err)
		}
	}

	executor := worker.NewExecutor(reg, extensions, s, q, logger, middleware.Recover(logger))
	orch := worker.NewOrchestrator(s, q, reg, executor, extensions, logger, worker.WithConcurrency(2))

	requeued, err := orch.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover error: %v", err)
	}
	if requeued != 2 {
		t.Fatalf("requeued = %d, want 2", requeued)
	}

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
		_ = q.Close()
		_ = s.Close()
	}()

	for _, jobID := range []id.JobID{interrupted.ID, pending.ID} {
		h, ok := orch.Handle(jobID)
		if !ok {
			t.Fatalf("expected a tracked handle for %s", jobID)
		}
		waitDone(t, h)
		if h.State() != job.StateSucceeded {
			t.Fatalf("job %s state = %q, want succeeded", jobID, h.State())
		}
	}

	if n := ran.Load(); n != 2 {
		t.Fatalf("handler executed %d times, want 2", n)
	}
}

func TestUnknownKindFails(t *testing.T) {
	orch, s, _ := setupOrchestrator(t)

	h, err := orch.Submit(context.Background(), "nobody-registered-this", nil)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	waitDone(t, h)

	if h.State() != job.StateFailed {
		t.Fatalf("handle state = %q, want failed", h.State())
	}
	stored, err := s.GetJob(context.Background(), h.ID())
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if stored.State != job.StateFailed {
		t.Fatalf("stored state = %q, want failed", stored.State)
	}
}

func TestPanicInHandlerIsRetriedThenFailed(t *testing.T) {
	orch, _, reg := setupOrchestrator(t)

	def := job.NewDefinition("panicky", func(_ context.Context, _ struct{}) error {
		panic("boom")
	})
	def.Retry = fastRetry(2)
	job.RegisterDefinition(reg, def)

	h, err := orch.Submit(context.Background(), "panicky", nil)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	waitDone(t, h)

	if h.State() != job.StateFailed {
		t.Fatalf("handle state = %q, want failed", h.State())
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	orch, _, reg := setupOrchestrator(t)

	def := job.NewDefinition("sleepy", func(ctx context.Context, _ struct{}) error {
		select {
		case <-time.After(10 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	def.Retry = fastRetry(2)
	def.Timeout = 20 * time.Millisecond
	job.RegisterDefinition(reg, def)

	h, err := orch.Submit(context.Background(), "sleepy", nil)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}

	waitDone(t, h)

	if h.State() != job.StateFailed {
		t.Fatalf("handle state = %q, want failed", h.State())
	}
}

func TestWatchEventSubmitsMatchingKind(t *testing.T) {
	rules := watcher.Rules{{Pattern: "*.jsonl", Kind: "reindex"}}
	orch, s, reg := setupOrchestrator(t, worker.WithWatchRules(rules))

	done := make(chan watcher.TriggerPayload, 1)
	job.RegisterDefinition(reg, job.NewDefinition("reindex", func(_ context.Context, p watcher.TriggerPayload) error {
		done <- p
		return nil
	}))

	orch.OnEvent(context.Background(), watcher.ChangeEvent{
		Path: "/data/train.jsonl",
		Kind: watcher.ChangeModified,
		At:   time.Now(),
	})

	// Non-matching paths are ignored.
	orch.OnEvent(context.Background(), watcher.ChangeEvent{
		Path: "/data/notes.txt",
		Kind: watcher.ChangeModified,
		At:   time.Now(),
	})

	select {
	case p := <-done:
		if p.Path != "/data/train.jsonl" {
			t.Fatalf("payload path = %q, want /data/train.jsonl", p.Path)
		}
		if p.Kind != watcher.ChangeModified {
			t.Fatalf("payload change = %q, want modified", p.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch-triggered job")
	}

	select {
	case <-done:
		t.Fatal("non-matching path should not trigger a job")
	case <-time.After(100 * time.Millisecond):
	}

	count, err := s.CountJobsByState(context.Background(), job.StateSucceeded)
	if err != nil {
		t.Fatalf("count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("succeeded jobs = %d, want 1", count)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	orch, _, _ := setupOrchestrator(t)

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("double start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := orch.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if err := orch.Stop(ctx); err != nil {
		t.Fatalf("double stop error: %v", err)
	}
}
