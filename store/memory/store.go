// Package memory provides a fully in-memory job.Store. Safe for
// concurrent access. Intended for unit testing and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	ftworker "github.com/finetune-build/Worker"
	"github.com/finetune-build/Worker/id"
	"github.com/finetune-build/Worker/job"
)

var _ job.Store = (*Store)(nil)

// Store is an in-memory implementation of job.Store.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is open.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ftworker.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ftworker.ErrStoreClosed
	}

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return ftworker.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ftworker.ErrStoreClosed
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, ftworker.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job. A row already in a
// terminal state is never moved out of it.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ftworker.ErrStoreClosed
	}

	key := j.ID.String()
	existing, ok := m.jobs[key]
	if !ok {
		return ftworker.ErrJobNotFound
	}
	if existing.State.Terminal() && j.State != existing.State {
		return ftworker.ErrInvalidState
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ftworker.ErrStoreClosed
	}

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return ftworker.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ListJobsByState returns jobs in the given state, newest first.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ftworker.ErrStoreClosed
	}

	var out []*job.Job
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.Kind != "" && j.Kind != opts.Kind {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListNonTerminal returns all jobs whose state is not terminal, ordered
// by priority (descending) then RunAt (ascending).
func (m *Store) ListNonTerminal(_ context.Context) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ftworker.ErrStoreClosed
	}

	var out []*job.Job
	for _, j := range m.jobs {
		if j.State.Terminal() {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return out[i].RunAt.Before(out[k].RunAt)
	})
	return out, nil
}

// CountJobsByState returns the number of jobs in the given state.
func (m *Store) CountJobsByState(_ context.Context, state job.State) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ftworker.ErrStoreClosed
	}

	var n int64
	for _, j := range m.jobs {
		if j.State == state {
			n++
		}
	}
	return n, nil
}
