//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
	"github.com/finetune-build/Worker/store/postgres"
)

// setupTestStore connects to the database named by FTWORKER_TEST_PG_DSN.
// Run with: FTWORKER_TEST_PG_DSN=postgres://... go test -tags integration ./store/postgres
func setupTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("FTWORKER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("FTWORKER_TEST_PG_DSN not set")
	}

	s, err := postgres.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.DB().ExecContext(context.Background(), `DROP TABLE IF EXISTS ftworker_jobs`)
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
	}
}

func TestJobLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	j := testJob("train", job.StatePending)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, ftworker.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}

	if err := j.Transition(job.StateRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateRunning {
		t.Fatalf("expected running, got %s", got.State)
	}

	active, err := s.ListNonTerminal(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 non-terminal job, got %d", len(active))
	}

	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, ftworker.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
