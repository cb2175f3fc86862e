package worker

import (
	"sync"

	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
)

// Handle tracks a submitted job until it reaches a terminal state.
// Done is closed exactly once, after which State and LastError report
// the final outcome.
type Handle struct {
	jobID id.JobID

	mu        sync.Mutex
	state     job.State
	lastError string
	resolved  bool
	done      chan struct{}
}

func newHandle(j *job.Job) *Handle {
	return &Handle{
		jobID: j.ID,
		state: j.State,
		done:  make(chan struct{}),
	}
}

// ID returns the job identifier this handle tracks.
func (h *Handle) ID() id.JobID { return h.jobID }

// Done returns a channel closed when the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the last observed job state.
func (h *Handle) State() job.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastError returns the error message of the final failure, empty for
// jobs that succeeded or have not finished.
func (h *Handle) LastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// observe records a non-terminal state change.
func (h *Handle) observe(j *job.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return
	}
	h.state = j.State
	h.lastError = j.LastError
}

// resolve records the terminal state and closes Done. Idempotent.
func (h *Handle) resolve(j *job.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return
	}
	h.resolved = true
	h.state = j.State
	h.lastError = j.LastError
	close(h.done)
}
