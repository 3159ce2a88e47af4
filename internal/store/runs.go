package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunStore persists ingestion run bookkeeping.
type RunStore struct {
	db *DB
}

// NewRunStore creates a new run store
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

type runRow struct {
	ID               string         `db:"id"`
	Source           string         `db:"source"`
	Status           string         `db:"status"`
	RecordsProcessed int            `db:"records_processed"`
	RecordsFailed    int            `db:"records_failed"`
	StartedAt        string         `db:"started_at"`
	CompletedAt      sql.NullString `db:"completed_at"`
	ErrorMessage     string         `db:"error_message"`
}

func (r *runRow) toRun() (*IngestionRun, error) {
	run := &IngestionRun{
		ID:               r.ID,
		Source:           r.Source,
		Status:           r.Status,
		RecordsProcessed: r.RecordsProcessed,
		RecordsFailed:    r.RecordsFailed,
		ErrorMessage:     r.ErrorMessage,
	}
	var err error
	if run.StartedAt, err = parseTimeString(r.StartedAt); err != nil {
		return nil, fmt.Errorf("run %s started_at: %w", r.ID, err)
	}
	if r.CompletedAt.Valid {
		ts, err := parseTimeString(r.CompletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("run %s completed_at: %w", r.ID, err)
		}
		run.CompletedAt = &ts
	}
	return run, nil
}

const runColumns = "id, source, status, records_processed, records_failed, started_at, completed_at, error_message"

// Create records a new run in the running state.
func (s *RunStore) Create(ctx context.Context, id, source string) (*IngestionRun, error) {
	now := time.Now().UTC()
	if _, err := s.db.x.ExecContext(ctx,
		"INSERT INTO ingestion_runs (id, source, status, started_at) VALUES (?, ?, ?, ?)",
		id, source, RunRunning, formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &IngestionRun{ID: id, Source: source, Status: RunRunning, StartedAt: now}, nil
}

// Complete moves a running run to completed.
func (s *RunStore) Complete(ctx context.Context, id string, processed, failed int) error {
	return s.finish(ctx, id, RunCompleted, processed, failed, "")
}

// Fail moves a running run to failed.
func (s *RunStore) Fail(ctx context.Context, id string, processed, failed int, message string) error {
	return s.finish(ctx, id, RunFailed, processed, failed, message)
}

// finish performs the single allowed terminal transition. A run that is not
// running is left untouched and reported as an error.
func (s *RunStore) finish(ctx context.Context, id, status string, processed, failed int, message string) error {
	res, err := s.db.x.ExecContext(ctx, `
		UPDATE ingestion_runs
		SET status = ?, records_processed = ?, records_failed = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status = ?`,
		status, processed, failed, formatTime(time.Now()), message, id, RunRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("run %s is not running", id)
	}
	return nil
}

// UpdateProgress stores intermediate counters of a running run.
func (s *RunStore) UpdateProgress(ctx context.Context, id string, processed, failed int) error {
	if _, err := s.db.x.ExecContext(ctx,
		"UPDATE ingestion_runs SET records_processed = ?, records_failed = ? WHERE id = ? AND status = ?",
		processed, failed, id, RunRunning,
	); err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	return nil
}

// Get returns a run by ID, or nil if it does not exist.
func (s *RunStore) Get(ctx context.Context, id string) (*IngestionRun, error) {
	var row runRow
	err := s.db.x.GetContext(ctx, &row, "SELECT "+runColumns+" FROM ingestion_runs WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return row.toRun()
}

// Latest returns the most recently started run for source ("" for any).
func (s *RunStore) Latest(ctx context.Context, source string) (*IngestionRun, error) {
	runs, err := s.list(ctx, source, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// List returns the most recent runs, newest first.
func (s *RunStore) List(ctx context.Context, limit int) ([]*IngestionRun, error) {
	return s.list(ctx, "", limit)
}

func (s *RunStore) list(ctx context.Context, source string, limit int) ([]*IngestionRun, error) {
	query := "SELECT " + runColumns + " FROM ingestion_runs"
	var args []any
	if source != "" {
		query += " WHERE source = ?"
		args = append(args, source)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []runRow
	if err := s.db.x.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := make([]*IngestionRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
