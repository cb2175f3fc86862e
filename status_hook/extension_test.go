package statushook_test

import (
	"context"
	"errors"
	"testing"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
	"github.com/finetune-build/Worker/realtime"
	statushook "github.com/finetune-build/Worker/status_hook"
)

type captureSender struct {
	statuses []realtime.JobStatus
}

func (s *captureSender) SendStatus(status realtime.JobStatus) error {
	s.statuses = append(s.statuses, status)
	return nil
}

func testJob() *job.Job {
	return &job.Job{
		Entity:  ftworker.NewEntity(),
		ID:      id.NewJobID(),
		Kind:    "train",
		State:   job.StateRunning,
		Attempt: 1,
	}
}

func TestLifecycleForwarded(t *testing.T) {
	sender := &captureSender{}
	hook := statushook.New(sender)
	ctx := context.Background()
	j := testJob()

	if err := hook.OnJobStarted(ctx, j); err != nil {
		t.Fatalf("started: %v", err)
	}
	if err := hook.OnJobRetrying(ctx, j, 2, time.Now()); err != nil {
		t.Fatalf("retrying: %v", err)
	}
	if err := hook.OnJobFailed(ctx, j, errors.New("out of memory")); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if err := hook.OnJobSucceeded(ctx, j, time.Second); err != nil {
		t.Fatalf("succeeded: %v", err)
	}
	if err := hook.OnJobCancelled(ctx, j); err != nil {
		t.Fatalf("cancelled: %v", err)
	}

	wantStates := []string{"running", "retrying", "failed", "succeeded", "cancelled"}
	if len(sender.statuses) != len(wantStates) {
		t.Fatalf("expected %d statuses, got %d", len(wantStates), len(sender.statuses))
	}
	for i, want := range wantStates {
		if sender.statuses[i].State != want {
			t.Fatalf("status %d: expected %s, got %s", i, want, sender.statuses[i].State)
		}
		if sender.statuses[i].JobID != j.ID.String() {
			t.Fatalf("status %d: wrong job id", i)
		}
	}

	if sender.statuses[1].Attempt != 2 {
		t.Fatalf("retrying attempt: expected 2, got %d", sender.statuses[1].Attempt)
	}
	if sender.statuses[2].Error != "out of memory" {
		t.Fatalf("failed error not forwarded: %q", sender.statuses[2].Error)
	}
}
