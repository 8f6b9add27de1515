// Package store persists workflow executions and review queue items. The
// sqlite implementation backs the daemon; the in-memory implementation
// backs tests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rulesmith/rulesmith/internal/engine"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id                 TEXT PRIMARY KEY,
	document_id        TEXT NOT NULL,
	config_version     TEXT NOT NULL,
	status             TEXT NOT NULL,
	current_step       TEXT NOT NULL DEFAULT '',
	step_results       TEXT NOT NULL DEFAULT '{}',
	termination_reason TEXT NOT NULL DEFAULT '',
	failure_step       TEXT NOT NULL DEFAULT '',
	failure_detail     TEXT NOT NULL DEFAULT '',
	cancel_requested   INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	started_at         TIMESTAMP,
	finished_at        TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_one_running
	ON executions (document_id, config_version) WHERE status = 'running';

CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status);

CREATE TABLE IF NOT EXISTS queue_items (
	id            TEXT PRIMARY KEY,
	execution_id  TEXT NOT NULL DEFAULT '',
	draft         TEXT NOT NULL,
	match         TEXT NOT NULL,
	review_status TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	reviewed_at   TIMESTAMP,
	reviewer      TEXT NOT NULL DEFAULT '',
	edited_raw    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items (review_status);
`

// SQLiteStore implements engine.Store and queue.Store over one database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ engine.Store = (*SQLiteStore)(nil)

// Open opens (and migrates) the sqlite database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// The modernc driver serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent step writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// DB exposes the handle so collaborators (the document store) can share it.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create inserts a new pending execution.
func (s *SQLiteStore) Create(ctx context.Context, ex *engine.Execution) error {
	results, err := json.Marshal(ex.StepResults)
	if err != nil {
		return fmt.Errorf("encoding step results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, document_id, config_version, status, current_step, step_results, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.DocumentID, ex.ConfigVersion, string(engine.StatusPending), string(ex.CurrentStep),
		string(results), ex.CreatedAt, ex.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting execution %s: %w", ex.ID, err)
	}
	return nil
}

const executionColumns = `id, document_id, config_version, status, current_step, step_results,
	termination_reason, failure_step, failure_detail, cancel_requested,
	created_at, updated_at, started_at, finished_at`

// Get returns the execution with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*engine.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	return ex, err
}

// List returns executions matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter engine.ListFilter) ([]*engine.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if filter.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*engine.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Start moves a pending execution to running at the first step. The
// partial unique index turns a concurrent duplicate into ErrConflict.
func (s *SQLiteStore) Start(ctx context.Context, id string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, current_step = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(engine.StatusRunning), string(engine.FirstStep), now, now, id, string(engine.StatusPending))
	if err != nil {
		if isUniqueViolation(err) {
			return engine.ErrConflict
		}
		return fmt.Errorf("starting execution %s: %w", id, err)
	}
	return s.requireRow(ctx, res, id, engine.ErrLostOwnership)
}

// Restart moves a failed execution back to running at its failure step.
func (s *SQLiteStore) Restart(ctx context.Context, id string) error {
	ex, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if ex.Status != engine.StatusFailed {
		return engine.ErrNotRetryable
	}
	step := ex.FailureStep
	if step == "" {
		step = engine.FirstStep
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, current_step = ?, termination_reason = '',
			failure_step = '', failure_detail = '', cancel_requested = 0,
			finished_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(engine.StatusRunning), string(step), now, id, string(engine.StatusFailed))
	if err != nil {
		if isUniqueViolation(err) {
			return engine.ErrConflict
		}
		return fmt.Errorf("restarting execution %s: %w", id, err)
	}
	return s.requireRow(ctx, res, id, engine.ErrNotRetryable)
}

// ApplyStep performs the guarded per-step write. The WHERE clause is the
// optimistic concurrency check: zero rows means the sweep or another
// writer took the execution away.
func (s *SQLiteStore) ApplyStep(ctx context.Context, id string, from engine.Step, outcome engine.StepOutcome) error {
	ex, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if ex.Status != engine.StatusRunning || ex.CurrentStep != from {
		return engine.ErrLostOwnership
	}

	if outcome.Result != nil {
		if ex.StepResults == nil {
			ex.StepResults = make(map[engine.Step]json.RawMessage)
		}
		ex.StepResults[from] = outcome.Result
	}
	results, err := json.Marshal(ex.StepResults)
	if err != nil {
		return fmt.Errorf("encoding step results: %w", err)
	}

	now := s.now().UTC()
	var res sql.Result
	if outcome.Status == engine.StatusRunning {
		res, err = s.db.ExecContext(ctx,
			`UPDATE executions SET current_step = ?, step_results = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND current_step = ?`,
			string(outcome.Next), string(results), now,
			id, string(engine.StatusRunning), string(from))
	} else {
		failureStep, failureDetail := "", ""
		if outcome.Status == engine.StatusFailed {
			failureStep, failureDetail = string(from), outcome.FailureDetail
		}
		res, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = ?, step_results = ?, termination_reason = ?,
				failure_step = ?, failure_detail = ?, finished_at = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND current_step = ?`,
			string(outcome.Status), string(results), string(outcome.TerminationReason),
			failureStep, failureDetail, now, now,
			id, string(engine.StatusRunning), string(from))
	}
	if err != nil {
		return fmt.Errorf("applying step %s on execution %s: %w", from, id, err)
	}
	return s.requireRow(ctx, res, id, engine.ErrLostOwnership)
}

// RequestCancel flags a non-terminal execution for cancellation.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET cancel_requested = 1, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		s.now().UTC(), id, string(engine.StatusPending), string(engine.StatusRunning))
	if err != nil {
		return fmt.Errorf("cancelling execution %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return engine.ErrTerminal
	}
	return nil
}

// SweepStale fails running executions that have not written since cutoff.
func (s *SQLiteStore) SweepStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM executions WHERE status = ? AND updated_at < ?`,
		string(engine.StatusRunning), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("finding stale executions: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var swept []string
	for _, id := range candidates {
		// Guarded individually: a step writer landing between the SELECT
		// and this UPDATE keeps its execution.
		res, err := s.db.ExecContext(ctx,
			`UPDATE executions SET status = ?, termination_reason = ?,
				failure_step = current_step, failure_detail = 'staleness sweep', finished_at = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND updated_at < ?`,
			string(engine.StatusFailed), string(engine.ReasonStaleTimeout), now, now,
			id, string(engine.StatusRunning), cutoff.UTC())
		if err != nil {
			return swept, fmt.Errorf("sweeping execution %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			swept = append(swept, id)
		}
	}
	return swept, nil
}

func (s *SQLiteStore) requireRow(ctx context.Context, res sql.Result, id string, guardErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return guardErr
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the message.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*engine.Execution, error) {
	var ex engine.Execution
	var results, status, step, reason, failureStep string
	var cancelRequested int
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&ex.ID, &ex.DocumentID, &ex.ConfigVersion, &status, &step, &results,
		&reason, &failureStep, &ex.FailureDetail, &cancelRequested,
		&ex.CreatedAt, &ex.UpdatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	ex.Status = engine.Status(status)
	ex.CurrentStep = engine.Step(step)
	ex.TerminationReason = engine.TerminationReason(reason)
	ex.FailureStep = engine.Step(failureStep)
	ex.CancelRequested = cancelRequested != 0
	if startedAt.Valid {
		t := startedAt.Time
		ex.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		ex.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(results), &ex.StepResults); err != nil {
		return nil, fmt.Errorf("decoding step results for %s: %w", ex.ID, err)
	}
	return &ex, nil
}
