package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
	"github.com/finetune-build/Worker/store/sqlite"
)

func setupTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	s, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testJob(kind string, state job.State) *job.Job {
	return &job.Job{
		Entity:  ftworker.NewEntity(),
		ID:      id.NewJobID(),
		Kind:    kind,
		Payload: []byte(`{"epochs":3}`),
		State:   state,
		RunAt:   time.Now().UTC(),
		Timeout: time.Minute,
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := testJob("train", job.StatePending)
	j.Priority = 7
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != "train" || got.Priority != 7 || got.State != job.StatePending {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.Timeout != time.Minute {
		t.Fatalf("expected timeout preserved, got %s", got.Timeout)
	}
}

func TestDuplicateCreate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := testJob("train", job.StatePending)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, ftworker.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}
}

func TestUpdateMissing(t *testing.T) {
	s := setupTestStore(t)

	j := testJob("train", job.StatePending)
	if err := s.UpdateJob(context.Background(), j); !errors.Is(err, ftworker.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStateTransitionPersisted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := testJob("train", job.StatePending)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := j.Transition(job.StateRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	now := time.Now().UTC()
	j.StartedAt = &now
	j.Attempt = 1
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateRunning || got.Attempt != 1 || got.StartedAt == nil {
		t.Fatalf("unexpected job after update: %+v", got)
	}
}

func TestUpdateRefusesTerminalOverwrite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := testJob("train", job.StateCancelled)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	stale := *j
	stale.State = job.StateSucceeded
	if err := s.UpdateJob(ctx, &stale); !errors.Is(err, ftworker.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
}

func TestListNonTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	pending := testJob("train", job.StatePending)
	pending.Priority = 1
	running := testJob("eval", job.StateRunning)
	running.Priority = 9
	done := testJob("train", job.StateSucceeded)

	for _, j := range []*job.Job{pending, running, done} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := s.ListNonTerminal(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 non-terminal jobs, got %d", len(got))
	}
	if got[0].ID.String() != running.ID.String() {
		t.Fatalf("expected highest priority first, got %s", got[0].ID)
	}
}

func TestListByStateKindFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, kind := range []string{"train", "train", "eval"} {
		if err := s.CreateJob(ctx, testJob(kind, job.StatePending)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := s.ListJobsByState(ctx, job.StatePending, job.ListOpts{Kind: "train"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 train jobs, got %d", len(got))
	}

	n, err := s.CountJobsByState(ctx, job.StatePending)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pending, got %d", n)
	}
}

func TestDeleteJob(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := testJob("train", job.StatePending)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, ftworker.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, ftworker.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound on second delete, got %v", err)
	}
}
