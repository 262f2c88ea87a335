// Package sqlite persists an invocation log for pipeline executions.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pipeworks-ai/pipeworks/internal/dispatch"
)

// Store is a SQLite-backed invocation log.
type Store struct {
	db *sql.DB
}

var _ dispatch.Recorder = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			model TEXT NOT NULL,
			user_id TEXT,
			streaming INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			duration_ns INTEGER,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_pipeline ON invocations(pipeline_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_status ON invocations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_created ON invocations(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// RecordInvocation appends one completed pipeline execution.
func (s *Store) RecordInvocation(ctx context.Context, inv dispatch.Invocation) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}

	query := `INSERT INTO invocations
		(id, pipeline_id, model, user_id, streaming, status, duration_ns, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		inv.ID,
		inv.PipelineID,
		inv.Model,
		inv.UserID,
		boolToInt(inv.Streaming),
		inv.Status,
		inv.Duration.Nanoseconds(),
		inv.Error,
		inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}
	return nil
}

// RecentInvocations returns up to limit rows, newest first.
func (s *Store) RecentInvocations(ctx context.Context, limit int) ([]dispatch.Invocation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, pipeline_id, model, user_id, streaming, status, duration_ns, error_message, created_at
		FROM invocations ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Invocation
	for rows.Next() {
		var inv dispatch.Invocation
		var streaming int
		var durationNS int64
		if err := rows.Scan(&inv.ID, &inv.PipelineID, &inv.Model, &inv.UserID, &streaming, &inv.Status, &durationNS, &inv.Error, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		inv.Streaming = streaming != 0
		inv.Duration = time.Duration(durationNS)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
