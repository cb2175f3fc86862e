// Package statushook bridges job lifecycle events to the realtime channel.
// When registered as an extension, every state change is reported to the
// control plane as a job_status frame. The channel buffers and replays
// frames across reconnects, so status reports survive connection loss.
package statushook

import (
	"context"
	"time"

	"github.com/finetune-build/Worker/ext"
	"github.com/finetune-build/Worker/job"
	"github.com/finetune-build/Worker/realtime"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Extension)(nil)
	_ ext.JobStarted   = (*Extension)(nil)
	_ ext.JobSucceeded = (*Extension)(nil)
	_ ext.JobFailed    = (*Extension)(nil)
	_ ext.JobRetrying  = (*Extension)(nil)
	_ ext.JobCancelled = (*Extension)(nil)
)

// Sender is the part of the realtime channel the extension needs.
type Sender interface {
	SendStatus(status realtime.JobStatus) error
}

// Extension forwards job lifecycle events as job_status frames.
type Extension struct {
	sender Sender
}

// New creates an Extension that reports through the given sender,
// typically a *realtime.Channel.
func New(sender Sender) *Extension {
	return &Extension{sender: sender}
}

// Name implements ext.Extension.
func (h *Extension) Name() string { return "status-hook" }

// OnJobStarted implements ext.JobStarted.
func (h *Extension) OnJobStarted(_ context.Context, j *job.Job) error {
	return h.sender.SendStatus(realtime.JobStatus{
		JobID:   j.ID.String(),
		State:   string(job.StateRunning),
		Attempt: j.Attempt,
	})
}

// OnJobSucceeded implements ext.JobSucceeded.
func (h *Extension) OnJobSucceeded(_ context.Context, j *job.Job, _ time.Duration) error {
	return h.sender.SendStatus(realtime.JobStatus{
		JobID:   j.ID.String(),
		State:   string(job.StateSucceeded),
		Attempt: j.Attempt,
	})
}

// OnJobFailed implements ext.JobFailed.
func (h *Extension) OnJobFailed(_ context.Context, j *job.Job, jobErr error) error {
	return h.sender.SendStatus(realtime.JobStatus{
		JobID:   j.ID.String(),
		State:   string(job.StateFailed),
		Attempt: j.Attempt,
		Error:   jobErr.Error(),
	})
}

// OnJobRetrying implements ext.JobRetrying.
func (h *Extension) OnJobRetrying(_ context.Context, j *job.Job, attempt int, _ time.Time) error {
	return h.sender.SendStatus(realtime.JobStatus{
		JobID:   j.ID.String(),
		State:   string(job.StateRetrying),
		Attempt: attempt,
		Error:   j.LastError,
	})
}

// OnJobCancelled implements ext.JobCancelled.
func (h *Extension) OnJobCancelled(_ context.Context, j *job.Job) error {
	return h.sender.SendStatus(realtime.JobStatus{
		JobID:   j.ID.String(),
		State:   string(job.StateCancelled),
		Attempt: j.Attempt,
	})
}
