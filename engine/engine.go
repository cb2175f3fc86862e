package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/api"
	"github.com/finetune-build/Worker/ext"
	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
	mw "github.com/finetune-build/Worker/middleware"
	"github.com/finetune-build/Worker/queue"
	"github.com/finetune-build/Worker/realtime"
	statushook "github.com/finetune-build/Worker/status_hook"
	"github.com/finetune-build/Worker/store/memory"
	"github.com/finetune-build/Worker/store/postgres"
	"github.com/finetune-build/Worker/store/sqlite"
	"github.com/finetune-build/Worker/watcher"
	"github.com/finetune-build/Worker/worker"
)

// Engine is the assembled worker. Create it with New, register job
// kinds, then call Start. The zero value is not usable.
type Engine struct {
	cfg    ftworker.Config
	logger *slog.Logger

	registry   *job.Registry
	extensions *ext.Registry
	mws        []mw.Middleware

	store   job.Store
	queue   queue.Queue
	orch    *worker.Orchestrator
	channel *realtime.Channel
	client  *api.Client
	watch   *watcher.Watcher

	rules   watcher.Rules
	offline bool
	dial    realtime.DialFunc

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	started bool

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithExtension registers a lifecycle extension.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.extensions.Register(x) }
}

// WithMiddleware appends middleware to the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithWatchRules sets the rules mapping filesystem changes to job kinds.
func WithWatchRules(rules watcher.Rules) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithStore overrides the store built from Config.StoreDSN.
func WithStore(s job.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithQueue overrides the queue built from Config.QueueURL.
func WithQueue(q queue.Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithOffline disables the realtime channel and the control-plane HTTP
// synchronization. Jobs arrive only through Submit and the watcher.
func WithOffline() Option {
	return func(e *Engine) { e.offline = true }
}

// WithChannelDial overrides the websocket dialer, for tests.
func WithChannelDial(dial realtime.DialFunc) Option {
	return func(e *Engine) { e.dial = dial }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set, the
// global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an engine from the given configuration. Subsystems that
// need I/O are not touched until Start.
func New(cfg ftworker.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: job.NewRegistry(),
		closeCh:  make(chan struct{}),
	}
	e.extensions = ext.NewRegistry(e.logger)

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](e *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(e.registry, def)
}

// Submit creates and enqueues a job with a JSON-marshalled payload.
func Submit[T any](ctx context.Context, e *Engine, kind string, payload T, opts ...job.Option) (*worker.Handle, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", kind, err)
	}
	return e.SubmitRaw(ctx, kind, data, opts...)
}

// SubmitRaw enqueues a job with a pre-serialized payload.
func (e *Engine) SubmitRaw(ctx context.Context, kind string, payload []byte, opts ...job.Option) (*worker.Handle, error) {
	e.mu.Lock()
	orch := e.orch
	e.mu.Unlock()
	if orch == nil {
		return nil, fmt.Errorf("ftworker: engine not started")
	}
	return orch.Submit(ctx, kind, payload, opts...)
}

// Cancel requests cancellation of a job.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) bool {
	e.mu.Lock()
	orch := e.orch
	e.mu.Unlock()
	if orch == nil {
		return false
	}
	return orch.Cancel(ctx, jobID)
}

// Client returns the control-plane HTTP client. Nil in offline mode
// before Start.
func (e *Engine) Client() *api.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// Store returns the job store. Nil before Start.
func (e *Engine) Store() job.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store
}

// Done returns a channel closed when the engine should shut down: the
// control plane sent a close command or the realtime channel failed
// permanently.
func (e *Engine) Done() <-chan struct{} { return e.closeCh }

// Start brings the worker up: migrate the store, recover unfinished
// jobs, start the consume workers and the watcher, connect the realtime
// channel, and synchronize tasks submitted while offline.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	if err := e.buildStore(); err != nil {
		return err
	}
	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	if err := e.buildQueue(ctx); err != nil {
		return err
	}

	commands := newCommandHandler(e)
	if !e.offline {
		e.client = api.NewClient(e.cfg.Host, e.cfg.WorkerID, e.cfg.WorkerToken, e.clientOptions()...)
		e.channel = realtime.NewChannel(
			e.channelURL(), e.cfg.WorkerID, e.cfg.WorkerToken, commands,
			e.channelOptions()...,
		)
		e.extensions.Register(statushook.New(e.channel))
	}

	executor := worker.NewExecutor(
		e.registry, e.extensions, e.store, e.queue, e.logger,
		e.middlewareStack()...,
	)

	orchOpts := []worker.Option{
		worker.WithConcurrency(e.cfg.Concurrency),
		worker.WithWatchRules(e.rules),
	}
	if workerID, err := id.ParseWorkerID(e.cfg.WorkerID); err == nil {
		orchOpts = append(orchOpts, worker.WithWorkerID(workerID))
	}
	e.orch = worker.NewOrchestrator(
		e.store, e.queue, e.registry, executor, e.extensions, e.logger,
		orchOpts...,
	)

	if _, err := e.orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if err := e.orch.Start(ctx); err != nil {
		return err
	}

	if err := e.startWatcher(); err != nil {
		return err
	}

	if !e.offline {
		if err := e.channel.Connect(ctx); err != nil {
			return fmt.Errorf("connect channel: %w", err)
		}
		go e.watchChannel()
		go e.synchronize(e.runCtx, commands)
	}

	e.logger.Info("worker started",
		slog.String("worker_id", e.cfg.WorkerID),
		slog.String("store", e.cfg.StoreDSN),
		slog.String("queue", e.cfg.QueueURL),
		slog.Int("concurrency", e.cfg.Concurrency),
	)
	return nil
}

// Stop shuts the worker down: stop intake first, then drain execution,
// then release resources.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	e.logger.Info("worker stopping", slog.String("worker_id", e.cfg.WorkerID))
	e.runCancel()

	if e.watch != nil {
		if err := e.watch.Close(); err != nil {
			e.logger.Warn("failed to close watcher", slog.String("error", err.Error()))
		}
	}
	if e.channel != nil {
		if err := e.channel.Close(); err != nil {
			e.logger.Warn("failed to close channel", slog.String("error", err.Error()))
		}
	}

	stopErr := e.orch.Stop(ctx)

	e.extensions.EmitShutdown(context.WithoutCancel(ctx))

	if err := e.queue.Close(); err != nil {
		e.logger.Warn("failed to close queue", slog.String("error", err.Error()))
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("failed to close store", slog.String("error", err.Error()))
	}

	e.logger.Info("worker stopped")
	return stopErr
}

// OpenStore selects and opens the store backend named by the DSN.
func OpenStore(dsn string, logger *slog.Logger) (job.Store, error) {
	switch {
	case dsn == "memory":
		return memory.New(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"), sqlite.WithLogger(logger))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn, postgres.WithLogger(logger))
	default:
		return nil, fmt.Errorf("%w: unsupported store DSN %q", ftworker.ErrConfig, dsn)
	}
}

// OpenQueue selects and opens the queue backend named by the URL.
func OpenQueue(ctx context.Context, url, consumer string, logger *slog.Logger) (queue.Queue, error) {
	switch {
	case url == "memory":
		return queue.NewMemory(0), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return queue.NewRedis(ctx, url, consumer, queue.WithQueueLogger(logger))
	default:
		return nil, fmt.Errorf("%w: unsupported queue URL %q", ftworker.ErrConfig, url)
	}
}

func (e *Engine) buildStore() error {
	if e.store != nil {
		return nil
	}
	s, err := OpenStore(e.cfg.StoreDSN, e.logger)
	if err != nil {
		return err
	}
	e.store = s
	return nil
}

func (e *Engine) buildQueue(ctx context.Context) error {
	if e.queue != nil {
		return nil
	}
	q, err := OpenQueue(ctx, e.cfg.QueueURL, e.cfg.WorkerID, e.logger)
	if err != nil {
		return err
	}
	e.queue = q
	return nil
}

// middlewareStack builds the default chain, then appends user middleware.
func (e *Engine) middlewareStack() []mw.Middleware {
	tracingMw := mw.Tracing()
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/finetune-build/Worker"))
	}
	metricsMw := mw.Metrics()
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/finetune-build/Worker"))
	}

	stack := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Timeout(e.logger),
	}
	return append(stack, e.mws...)
}

func (e *Engine) channelURL() string {
	scheme := "wss"
	if e.cfg.Insecure {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws/worker/%s/machine/", scheme, e.cfg.Host, e.cfg.WorkerID)
}

func (e *Engine) channelOptions() []realtime.Option {
	opts := []realtime.Option{
		realtime.WithLogger(e.logger),
		realtime.WithHeartbeat(e.cfg.HeartbeatInterval, e.cfg.HeartbeatTimeout),
		realtime.WithReconnectBackoff(e.cfg.ReconnectBackoff, e.cfg.MaxReconnectBackoff),
		realtime.WithConnectRetries(e.cfg.ConnectRetries),
	}
	if e.dial != nil {
		opts = append(opts, realtime.WithDialFunc(e.dial))
	}
	return opts
}

func (e *Engine) clientOptions() []api.ClientOption {
	opts := []api.ClientOption{api.WithClientLogger(e.logger)}
	if e.cfg.Insecure {
		opts = append(opts, api.WithInsecure())
	}
	return opts
}

// startWatcher brings up the filesystem watcher when a watch root is
// configured and feeds its events into the orchestrator.
func (e *Engine) startWatcher() error {
	if e.cfg.WatchRoot == "" {
		return nil
	}

	w, err := watcher.New(e.cfg.WatchRoot,
		watcher.WithDebounce(e.cfg.DebounceWindow),
		watcher.WithLogger(e.logger),
	)
	if err != nil {
		return err
	}
	e.watch = w

	go func() {
		watchErr := watcher.Watch(e.runCtx, w, func(ev watcher.ChangeEvent) {
			e.orch.OnEvent(e.runCtx, ev)
		})
		if watchErr != nil && e.runCtx.Err() == nil {
			e.logger.Error("watcher terminated", slog.String("error", watchErr.Error()))
			e.signalClose()
		}
	}()

	e.logger.Info("watching workspace",
		slog.String("root", e.cfg.WatchRoot),
		slog.Duration("debounce", e.cfg.DebounceWindow),
	)
	return nil
}

// watchChannel propagates a permanent channel failure into Done.
func (e *Engine) watchChannel() {
	select {
	case <-e.channel.Done():
		if err := e.channel.Err(); err != nil {
			e.logger.Error("realtime channel failed", slog.String("error", err.Error()))
		}
		e.signalClose()
	case <-e.runCtx.Done():
	}
}

// synchronize fetches tasks submitted while the worker was offline and
// enqueues them. Failures are logged, not fatal: the channel delivers
// new work either way.
func (e *Engine) synchronize(ctx context.Context, commands *commandHandler) {
	tasks, err := e.client.TaskList(ctx, "submitted")
	if err != nil {
		e.logger.Warn("task synchronization failed", slog.String("error", err.Error()))
		return
	}

	for _, t := range tasks {
		assign := realtime.JobAssign{
			JobID:    t.ID,
			Kind:     t.Kind,
			Payload:  t.Payload,
			Priority: t.Priority,
		}
		if submitErr := commands.HandleAssign(ctx, assign); submitErr != nil {
			e.logger.Warn("failed to enqueue synchronized task",
				slog.String("task_id", t.ID),
				slog.String("error", submitErr.Error()),
			)
		}
	}

	e.logger.Info("synchronized submitted tasks", slog.Int("count", len(tasks)))
}

func (e *Engine) signalClose() {
	e.closeOnce.Do(func() { close(e.closeCh) })
}
