package postgres

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
)

type jobModel struct {
	bun.BaseModel `bun:"table:ftworker_jobs"`

	ID         string     `bun:"id,pk"`
	Kind       string     `bun:"kind,notnull"`
	Payload    []byte     `bun:"payload,notnull,type:bytea"`
	State      string     `bun:"state,notnull,default:'pending'"`
	Priority   int        `bun:"priority,notnull,default:0"`
	Attempt    int        `bun:"attempt,notnull,default:0"`
	LastError  string     `bun:"last_error"`
	WorkerID   string     `bun:"worker_id"`
	RunAt      time.Time  `bun:"run_at,notnull"`
	StartedAt  *time.Time `bun:"started_at"`
	FinishedAt *time.Time `bun:"finished_at"`
	Timeout    int64      `bun:"timeout,notnull,default:0"`
	CreatedAt  time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt  time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:         j.ID.String(),
		Kind:       j.Kind,
		Payload:    j.Payload,
		State:      string(j.State),
		Priority:   j.Priority,
		Attempt:    j.Attempt,
		LastError:  j.LastError,
		WorkerID:   j.WorkerID.String(),
		RunAt:      j.RunAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Timeout:    j.Timeout.Nanoseconds(),
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("ftworker/postgres: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: ftworker.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         parsedID,
		Kind:       m.Kind,
		Payload:    m.Payload,
		State:      job.State(m.State),
		Priority:   m.Priority,
		Attempt:    m.Attempt,
		LastError:  m.LastError,
		RunAt:      m.RunAt,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		Timeout:    time.Duration(m.Timeout),
	}

	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return j, nil
}
