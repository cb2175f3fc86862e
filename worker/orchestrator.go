package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/ext"
	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
	"github.com/finetune-build/Worker/queue"
	"github.com/finetune-build/Worker/watcher"
)

// Orchestrator owns the job lifecycle: it accepts submissions, recovers
// interrupted jobs at startup, runs a bounded set of consume workers
// against the queue, and exposes cooperative cancellation. Every active
// job is tracked in a mutex-guarded table so exactly one execution owns
// a job at a time.
type Orchestrator struct {
	store      job.Store
	queue      queue.Queue
	registry   *job.Registry
	executor   *Executor
	extensions *ext.Registry
	logger     *slog.Logger

	workerID    id.WorkerID
	rules       watcher.Rules
	concurrency int

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu              sync.Mutex
	running         bool
	handles         map[string]*Handle
	active          map[string]context.CancelFunc
	cancelRequested map[string]bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency sets the number of consume worker goroutines.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithWatchRules sets the rules mapping filesystem changes to job kinds.
func WithWatchRules(rules watcher.Rules) Option {
	return func(o *Orchestrator) { o.rules = rules }
}

// WithWorkerID sets the worker identity stamped on executed jobs.
func WithWorkerID(workerID id.WorkerID) Option {
	return func(o *Orchestrator) { o.workerID = workerID }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	store job.Store,
	q queue.Queue,
	registry *job.Registry,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:           store,
		queue:           q,
		registry:        registry,
		executor:        executor,
		extensions:      extensions,
		logger:          logger,
		workerID:        id.NewWorkerID(),
		concurrency:     4,
		handles:         make(map[string]*Handle),
		active:          make(map[string]context.CancelFunc),
		cancelRequested: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WorkerID returns the orchestrator's worker identity.
func (o *Orchestrator) WorkerID() id.WorkerID { return o.workerID }

// Submit persists a new job and enqueues it for execution. Submissions
// that reuse the ID of a job that has not yet finished are deduplicated:
// the existing handle is returned and no second execution happens.
// Reusing the ID of a finished job returns ftworker.ErrJobAlreadyExists.
func (o *Orchestrator) Submit(ctx context.Context, kind string, payload []byte, opts ...job.Option) (*Handle, error) {
	h, _, err := o.submit(ctx, kind, payload, opts...)
	return h, err
}

func (o *Orchestrator) submit(ctx context.Context, kind string, payload []byte, opts ...job.Option) (*Handle, *job.Job, error) {
	var options job.Options
	for _, opt := range opts {
		opt(&options)
	}

	jobID := options.ID
	if jobID.IsNil() {
		jobID = id.NewJobID()
	} else {
		o.mu.Lock()
		existing, tracked := o.handles[jobID.String()]
		o.mu.Unlock()
		if tracked {
			return existing, nil, nil
		}

		stored, err := o.store.GetJob(ctx, jobID)
		switch {
		case err == nil && !stored.State.Terminal():
			return o.adoptHandle(stored), nil, nil
		case err == nil:
			return nil, nil, ftworker.ErrJobAlreadyExists
		case !errors.Is(err, ftworker.ErrJobNotFound):
			return nil, nil, err
		}
	}

	now := time.Now().UTC()
	runAt := options.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	timeout := options.Timeout
	if timeout == 0 {
		timeout = o.registry.Timeout(kind)
	}

	j := &job.Job{
		ID:       jobID,
		Kind:     kind,
		Payload:  payload,
		State:    job.StatePending,
		Priority: options.Priority,
		RunAt:    runAt,
		Timeout:  timeout,
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	if err := o.store.CreateJob(ctx, j); err != nil {
		if errors.Is(err, ftworker.ErrJobAlreadyExists) {
			// Lost a race with a concurrent submission of the same ID.
			if stored, getErr := o.store.GetJob(ctx, jobID); getErr == nil && !stored.State.Terminal() {
				return o.adoptHandle(stored), nil, nil
			}
		}
		return nil, nil, err
	}

	h := o.adoptHandle(j)
	o.extensions.EmitJobSubmitted(ctx, j)

	if err := o.queue.Enqueue(ctx, j, time.Until(runAt)); err != nil {
		o.logger.Error("failed to enqueue job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil, nil, err
	}

	o.logger.Debug("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("job_kind", j.Kind),
		slog.Int("priority", j.Priority),
	)

	return h, j, nil
}

// Cancel requests cancellation of a job. Running jobs are cancelled
// cooperatively through their context; pending and retrying jobs are
// marked cancelled directly. Returns false when the job is unknown or
// already finished.
func (o *Orchestrator) Cancel(ctx context.Context, jobID id.JobID) bool {
	key := jobID.String()

	o.mu.Lock()
	if cancel, isActive := o.active[key]; isActive {
		o.cancelRequested[key] = true
		o.mu.Unlock()
		cancel()
		return true
	}
	o.mu.Unlock()

	j, err := o.store.GetJob(ctx, jobID)
	if err != nil || j.State.Terminal() {
		return false
	}

	if err := o.finishCancelled(ctx, j); err != nil {
		return false
	}
	return true
}

// OnEvent submits a job for a filesystem change that matches one of the
// watch rules. Non-matching events are ignored.
func (o *Orchestrator) OnEvent(ctx context.Context, ev watcher.ChangeEvent) {
	kind, ok := o.rules.Match(ev.Path)
	if !ok {
		return
	}

	_, j, err := o.submit(ctx, kind, watcher.Payload(ev))
	if err != nil {
		o.logger.Warn("failed to submit watch-triggered job",
			slog.String("path", ev.Path),
			slog.String("job_kind", kind),
			slog.String("error", err.Error()),
		)
		return
	}
	if j == nil {
		// Deduplicated against an existing submission.
		return
	}

	o.extensions.EmitWatcherTriggered(ctx, ev.Path, j)
}

// Recover re-enqueues all jobs that were not finished when the previous
// process stopped. Jobs caught mid-execution are reset to pending and
// run again from the top. Returns the number of jobs re-enqueued.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, j := range jobs {
		if j.State == job.StateRunning {
			j.State = job.StatePending
			j.StartedAt = nil
			j.WorkerID = id.ID{}
			j.UpdatedAt = time.Now().UTC()
			if updateErr := o.store.UpdateJob(ctx, j); updateErr != nil {
				o.logger.Error("recovery: failed to reset interrupted job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", updateErr.Error()),
				)
				continue
			}
		}

		o.adoptHandle(j)

		delay := time.Until(j.RunAt)
		if delay < 0 {
			delay = 0
		}
		if enqueueErr := o.queue.Enqueue(ctx, j, delay); enqueueErr != nil {
			o.logger.Error("recovery: failed to enqueue job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", enqueueErr.Error()),
			)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		o.logger.Info("recovered unfinished jobs", slog.Int("count", requeued))
	}
	return requeued, nil
}

// Start launches the consume workers. It returns immediately.
func (o *Orchestrator) Start(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	deliveries, err := o.queue.Consume(runCtx)
	if err != nil {
		cancel()
		return err
	}
	o.running = true
	o.cancel = cancel

	o.logger.Info("orchestrator starting",
		slog.String("worker_id", o.workerID.String()),
		slog.Int("concurrency", o.concurrency),
	)

	for range o.concurrency {
		o.wg.Add(1)
		go o.runLoop(deliveries)
	}

	return nil
}

// Stop halts consumption and waits for in-flight jobs to finish. If the
// context expires first, active jobs are cancelled; their state is left
// as running so the next start recovers them.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	o.logger.Info("orchestrator stopping", slog.String("worker_id", o.workerID.String()))
	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped gracefully")
	case <-ctx.Done():
		o.logger.Warn("orchestrator shutdown timed out, cancelling active jobs")
		o.cancelActive()
		<-done
	}

	return nil
}

// Handle returns the tracked handle for a job, or false when the job is
// not currently tracked.
func (o *Orchestrator) Handle(jobID id.JobID) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[jobID.String()]
	return h, ok
}

func (o *Orchestrator) runLoop(deliveries <-chan queue.Delivery) {
	defer o.wg.Done()

	for d := range deliveries {
		o.run(d)
	}
}

func (o *Orchestrator) run(d queue.Delivery) {
	ctx := context.Background()
	key := d.Job.ID.String()

	// The persisted row is the source of truth; the queued copy may be
	// stale by the time it is delivered.
	fresh, err := o.store.GetJob(ctx, d.Job.ID)
	if err != nil {
		if !errors.Is(err, ftworker.ErrJobNotFound) {
			o.logger.Error("failed to load delivered job",
				slog.String("job_id", key),
				slog.String("error", err.Error()),
			)
		}
		o.ack(d)
		return
	}
	if fresh.State.Terminal() {
		o.ack(d)
		return
	}

	o.mu.Lock()
	if _, busy := o.active[key]; busy {
		o.mu.Unlock()
		o.ack(d)
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	o.active[key] = cancel
	o.mu.Unlock()

	fresh.WorkerID = o.workerID
	execErr := o.executor.Execute(jobCtx, fresh)

	o.mu.Lock()
	delete(o.active, key)
	requested := o.cancelRequested[key]
	delete(o.cancelRequested, key)
	o.mu.Unlock()
	cancel()

	switch {
	case execErr != nil && errors.Is(execErr, context.Canceled) && jobCtx.Err() != nil:
		if requested {
			if cancelErr := o.finishCancelled(ctx, fresh); cancelErr != nil {
				o.logger.Error("failed to mark job cancelled",
					slog.String("job_id", key),
					slog.String("error", cancelErr.Error()),
				)
			}
		}
		// Shutdown leaves the running row in place for startup recovery.
	case execErr != nil:
		o.logger.Debug("job execution failed",
			slog.String("job_id", key),
			slog.String("job_kind", fresh.Kind),
			slog.String("error", execErr.Error()),
		)
	}

	o.observe(fresh)
	o.ack(d)
}

// finishCancelled persists the cancelled state and resolves the handle.
func (o *Orchestrator) finishCancelled(ctx context.Context, j *job.Job) error {
	if err := j.Transition(job.StateCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.FinishedAt = &now

	if err := o.store.UpdateJob(context.WithoutCancel(ctx), j); err != nil {
		return err
	}

	o.extensions.EmitJobCancelled(ctx, j)
	o.logger.Info("job cancelled", slog.String("job_id", j.ID.String()))
	o.observe(j)
	return nil
}

// adoptHandle returns the tracked handle for the job, creating one if
// needed.
func (o *Orchestrator) adoptHandle(j *job.Job) *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := j.ID.String()
	if h, ok := o.handles[key]; ok {
		return h
	}
	h := newHandle(j)
	o.handles[key] = h
	return h
}

// observe propagates the job's current state to its handle, resolving
// and dropping the handle when the state is terminal.
func (o *Orchestrator) observe(j *job.Job) {
	o.mu.Lock()
	h, ok := o.handles[j.ID.String()]
	if ok && j.State.Terminal() {
		delete(o.handles, j.ID.String())
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	if j.State.Terminal() {
		h.resolve(j)
		return
	}
	h.observe(j)
}

func (o *Orchestrator) ack(d queue.Delivery) {
	if err := d.Ack(context.Background()); err != nil {
		o.logger.Warn("failed to ack delivery",
			slog.String("job_id", d.Job.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) cancelActive() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, cancel := range o.active {
		o.logger.Warn("cancelling active job", slog.String("job_id", key))
		cancel()
	}
}
