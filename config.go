package ftworker

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the immutable process configuration for a worker.
// It is loaded once at startup from FINETUNE_* environment variables
// and never mutated afterwards.
type Config struct {
	// Host is the control-plane host (no scheme), e.g. "api.finetune.build".
	Host string

	// WorkerID identifies this worker to the control plane.
	WorkerID string

	// WorkerToken authenticates this worker to the control plane.
	WorkerToken string

	// WatchRoot is the workspace directory observed for change-triggered
	// re-runs. Empty disables the filesystem watcher.
	WatchRoot string

	// StoreDSN selects the local state store. "memory" or a
	// "sqlite://path" / "postgres://..." DSN.
	StoreDSN string

	// QueueURL selects the task queue. "memory" or a "redis://..." URL.
	QueueURL string

	// Concurrency is the maximum number of jobs executed concurrently.
	Concurrency int

	// PollInterval is how often idle consume workers poll the queue.
	PollInterval time.Duration

	// DebounceWindow coalesces rapid filesystem events on the same path.
	DebounceWindow time.Duration

	// HeartbeatInterval is how often the realtime channel sends heartbeats.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long without a peer heartbeat before the
	// channel forces a reconnect.
	HeartbeatTimeout time.Duration

	// ReconnectBackoff is the initial delay between reconnect attempts.
	// Doubled on each failure, capped at MaxReconnectBackoff.
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	// ConnectRetries is how many times startup retries the initial
	// control-plane connection before failing the process.
	ConnectRetries int

	// MaxAttempts is the default retry policy for job kinds that do not
	// declare their own.
	MaxAttempts int

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff
	// between retry attempts.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// Insecure disables TLS for the control-plane connection (dev only).
	Insecure bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:                "api.finetune.build",
		StoreDSN:            "sqlite://ftworker.sqlite",
		QueueURL:            "memory",
		Concurrency:         4,
		PollInterval:        time.Second,
		DebounceWindow:      500 * time.Millisecond,
		HeartbeatInterval:   15 * time.Second,
		HeartbeatTimeout:    45 * time.Second,
		ReconnectBackoff:    2 * time.Second,
		MaxReconnectBackoff: time.Minute,
		ConnectRetries:      5,
		MaxAttempts:         3,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       time.Minute,
		ShutdownTimeout:     30 * time.Second,
	}
}

// LoadConfig builds a Config from the environment on top of defaults.
// It returns ErrConfig (wrapped) when a value is malformed or a required
// value is missing.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("FINETUNE_HOST"); v != "" {
		cfg.Host = v
	}
	cfg.WorkerID = os.Getenv("FINETUNE_WORKER_ID")
	cfg.WorkerToken = os.Getenv("FINETUNE_WORKER_TOKEN")

	if v := os.Getenv("FINETUNE_WATCH_ROOT"); v != "" {
		cfg.WatchRoot = v
	}
	if v := os.Getenv("FINETUNE_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("FINETUNE_QUEUE_URL"); v != "" {
		cfg.QueueURL = v
	}

	var err error
	if cfg.Concurrency, err = intEnv("FINETUNE_CONCURRENCY", cfg.Concurrency); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = intEnv("FINETUNE_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.ConnectRetries, err = intEnv("FINETUNE_CONNECT_RETRIES", cfg.ConnectRetries); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = durationEnv("FINETUNE_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.DebounceWindow, err = durationEnv("FINETUNE_DEBOUNCE_WINDOW", cfg.DebounceWindow); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationEnv("FINETUNE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatTimeout, err = durationEnv("FINETUNE_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("FINETUNE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("FINETUNE_INSECURE"); v != "" {
		cfg.Insecure, err = strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: FINETUNE_INSECURE: %v", ErrConfig, err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that would make the worker unable to run.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: FINETUNE_HOST must not be empty", ErrConfig)
	}
	if c.WorkerID == "" {
		return fmt.Errorf("%w: FINETUNE_WORKER_ID is required", ErrConfig)
	}
	if c.WorkerToken == "" {
		return fmt.Errorf("%w: FINETUNE_WORKER_TOKEN is required", ErrConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrConfig, c.Concurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrConfig, c.MaxAttempts)
	}
	return nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrConfig, key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrConfig, key, err)
	}
	return d, nil
}
