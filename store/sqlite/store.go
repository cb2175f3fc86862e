// Package sqlite provides a Bun ORM job store backed by SQLite. It is the
// default durable store for a single worker host: one file, no server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/finetune-build/Worker/job"
)

var _ job.Store = (*Store)(nil)

// Store is a Bun ORM implementation of job.Store using the SQLite dialect.
type Store struct {
	db     *bun.DB
	owned  bool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps an existing *bun.DB. The caller owns the db lifecycle — the
// Store will not close it on Close().
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens a SQLite database at the given path and returns a Store that
// owns the connection. Use ":memory:" for an ephemeral database.
func Open(path string, opts ...Option) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, "file:"+path+"?cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("ftworker/sqlite: open %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids lock contention.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	s := New(db, opts...)
	s.owned = true
	return s, nil
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate creates the schema if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ftworker_jobs (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			payload     BLOB NOT NULL,
			state       TEXT NOT NULL DEFAULT 'pending',
			priority    INTEGER NOT NULL DEFAULT 0,
			attempt     INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT '',
			worker_id   TEXT NOT NULL DEFAULT '',
			run_at      TIMESTAMP NOT NULL,
			started_at  TIMESTAMP,
			finished_at TIMESTAMP,
			timeout     INTEGER NOT NULL DEFAULT 0,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ftworker/sqlite: create jobs table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_ftworker_jobs_state
		ON ftworker_jobs (state, priority DESC, run_at ASC)
	`)
	if err != nil {
		return fmt.Errorf("ftworker/sqlite: create state index: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database when the Store owns it, otherwise it is a no-op.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
