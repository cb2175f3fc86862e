package postgres

import (
	"context"
	"fmt"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
)

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return ftworker.ErrJobAlreadyExists
		}
		return fmt.Errorf("ftworker/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, ftworker.ErrJobNotFound
		}
		return nil, fmt.Errorf("ftworker/postgres: get job: %w", err)
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing job. A row already in a
// terminal state is never moved out of it.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().
		Where("state NOT IN (?, ?, ?) OR state = ?",
			string(job.StateSucceeded), string(job.StateFailed), string(job.StateCancelled),
			string(j.State)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("ftworker/postgres: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		if _, getErr := s.GetJob(ctx, j.ID); getErr == nil {
			return ftworker.ErrInvalidState
		}
		return ftworker.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewDelete().
		TableExpr("ftworker_jobs").
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("ftworker/postgres: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return ftworker.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs matching the given state, newest first.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("state = ?", string(state))

	if opts.Kind != "" {
		q = q.Where("kind = ?", opts.Kind)
	}

	q = q.Order("created_at DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("ftworker/postgres: list jobs by state: %w", err)
	}
	return convertModels(models)
}

// ListNonTerminal returns all jobs whose state is not terminal, ordered by
// priority (descending) then RunAt (ascending).
func (s *Store) ListNonTerminal(ctx context.Context) ([]*job.Job, error) {
	var models []jobModel
	err := s.db.NewSelect().Model(&models).
		Where("state IN (?, ?, ?)",
			string(job.StatePending), string(job.StateRunning), string(job.StateRetrying)).
		Order("priority DESC", "run_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("ftworker/postgres: list non-terminal jobs: %w", err)
	}
	return convertModels(models)
}

// CountJobsByState returns the number of jobs in the given state.
func (s *Store) CountJobsByState(ctx context.Context, state job.State) (int64, error) {
	count, err := s.db.NewSelect().
		TableExpr("ftworker_jobs").
		Where("state = ?", string(state)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("ftworker/postgres: count jobs by state: %w", err)
	}
	return int64(count), nil
}

func convertModels(models []jobModel) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
