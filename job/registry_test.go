package job_test

import (
	"context"
	"errors"
	"testing"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/job"
)

func TestRegistryTypedHandler(t *testing.T) {
	reg := job.NewRegistry()

	type trainPayload struct {
		Epochs int `json:"epochs"`
	}

	var got trainPayload
	job.RegisterDefinition(reg, job.NewDefinition("train", func(_ context.Context, p trainPayload) error {
		got = p
		return nil
	}))

	handler, ok := reg.Get("train")
	if !ok {
		t.Fatal("handler not found")
	}
	if err := handler(context.Background(), []byte(`{"epochs":3}`)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got.Epochs != 3 {
		t.Fatalf("expected epochs=3, got %d", got.Epochs)
	}
}

func TestRegistryBadPayload(t *testing.T) {
	reg := job.NewRegistry()
	job.RegisterDefinition(reg, job.NewDefinition("train", func(_ context.Context, _ struct{ Epochs int }) error {
		t.Fatal("handler must not run on bad payload")
		return nil
	}))

	handler, _ := reg.Get("train")
	if err := handler(context.Background(), []byte(`{not json`)); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	reg := job.NewRegistry()
	if _, ok := reg.Get("nope"); ok {
		t.Fatal("unexpected handler for unknown kind")
	}
	// Unknown kinds fall back to the default policy.
	p := reg.RetryPolicy("nope")
	if p.MaxAttempts != job.DefaultRetryPolicy().MaxAttempts {
		t.Fatalf("expected default policy, got %+v", p)
	}
}

func TestRegistryRetryPolicyAndTimeout(t *testing.T) {
	reg := job.NewRegistry()
	def := job.NewDefinition("evaluate", func(_ context.Context, _ struct{}) error { return nil })
	def.Retry = job.RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	def.Timeout = 2 * time.Minute
	job.RegisterDefinition(reg, def)

	if got := reg.RetryPolicy("evaluate").MaxAttempts; got != 5 {
		t.Fatalf("expected MaxAttempts=5, got %d", got)
	}
	if got := reg.Timeout("evaluate"); got != 2*time.Minute {
		t.Fatalf("expected timeout 2m, got %v", got)
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := []job.State{job.StateSucceeded, job.StateFailed, job.StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	open := []job.State{job.StatePending, job.StateRunning, job.StateRetrying}
	for _, s := range open {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestTransitionRejectsLeavingTerminal(t *testing.T) {
	j := &job.Job{State: job.StateSucceeded}
	if err := j.Transition(job.StateRunning); !errors.Is(err, ftworker.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if j.State != job.StateSucceeded {
		t.Fatalf("state mutated to %s", j.State)
	}

	open := &job.Job{State: job.StatePending}
	if err := open.Transition(job.StateRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
