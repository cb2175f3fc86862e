package engine

import (
	"context"
	"errors"
	"sync"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
	"github.com/finetune-build/Worker/realtime"
)

// commandHandler adapts control-plane commands to orchestrator calls.
// Control-plane task identifiers that are not worker job IDs are mapped
// to locally generated ones so cancel requests still find their target.
type commandHandler struct {
	eng *Engine

	mu     sync.Mutex
	remote map[string]id.JobID
}

var _ realtime.CommandHandler = (*commandHandler)(nil)

func newCommandHandler(e *Engine) *commandHandler {
	return &commandHandler{
		eng:    e,
		remote: make(map[string]id.JobID),
	}
}

// HandleAssign submits an assigned job. Assignments reusing the ID of a
// job already tracked are deduplicated by the orchestrator; assignments
// for a finished job are acknowledged without a second execution.
func (h *commandHandler) HandleAssign(ctx context.Context, assign realtime.JobAssign) error {
	var opts []job.Option

	jobID, parseErr := id.ParseJobID(assign.JobID)
	if parseErr == nil {
		opts = append(opts, job.WithID(jobID))
	} else {
		h.mu.Lock()
		mapped, seen := h.remote[assign.JobID]
		h.mu.Unlock()
		if seen {
			opts = append(opts, job.WithID(mapped))
		}
	}
	if assign.Priority != 0 {
		opts = append(opts, job.WithPriority(assign.Priority))
	}

	handle, err := h.eng.orch.Submit(ctx, assign.Kind, assign.Payload, opts...)
	if err != nil {
		if errors.Is(err, ftworker.ErrJobAlreadyExists) {
			return nil
		}
		return err
	}

	if parseErr != nil {
		h.mu.Lock()
		h.remote[assign.JobID] = handle.ID()
		h.mu.Unlock()
	}
	return nil
}

// HandleCancel cancels the referenced job if it is known and unfinished.
func (h *commandHandler) HandleCancel(ctx context.Context, req realtime.CancelRequest) error {
	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		h.mu.Lock()
		mapped, ok := h.remote[req.JobID]
		h.mu.Unlock()
		if !ok {
			return nil
		}
		jobID = mapped
	}

	h.eng.orch.Cancel(ctx, jobID)
	return nil
}

// HandleClose reacts to the control plane asking this worker to shut
// down.
func (h *commandHandler) HandleClose(_ context.Context) {
	h.eng.logger.Info("close requested by control plane")
	h.eng.signalClose()
}
