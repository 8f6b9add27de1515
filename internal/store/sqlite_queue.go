package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rulesmith/rulesmith/internal/queue"
)

// SQLiteQueue implements queue.Store over the shared database.
type SQLiteQueue struct {
	db *sql.DB
}

var _ queue.Store = (*SQLiteQueue)(nil)

// Queue returns the queue.Store view of the database.
func (s *SQLiteStore) Queue() *SQLiteQueue {
	return &SQLiteQueue{db: s.db}
}

// Enqueue inserts a new queue item.
func (q *SQLiteQueue) Enqueue(ctx context.Context, item *queue.Item) error {
	draft, err := json.Marshal(item.Draft)
	if err != nil {
		return fmt.Errorf("encoding draft: %w", err)
	}
	match, err := json.Marshal(item.Match)
	if err != nil {
		return fmt.Errorf("encoding match: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queue_items (id, execution_id, draft, match, review_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.ExecutionID, string(draft), string(match), string(item.ReviewStatus), item.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting queue item %s: %w", item.ID, err)
	}
	return nil
}

const queueColumns = `id, execution_id, draft, match, review_status, created_at, reviewed_at, reviewer, edited_raw`

// Get returns the queue item with the given id.
func (q *SQLiteQueue) Get(ctx context.Context, id string) (*queue.Item, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	return item, err
}

// List returns queue items newest first, optionally filtered by status.
func (q *SQLiteQueue) List(ctx context.Context, status queue.ReviewStatus, limit int) ([]*queue.Item, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_items`
	var args []any
	if status != "" {
		query += ` WHERE review_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing queue items: %w", err)
	}
	defer rows.Close()

	var out []*queue.Item
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Review finalizes a pending item; the status guard makes a double review
// fail with ErrAlreadyReviewed.
func (q *SQLiteQueue) Review(ctx context.Context, id string, status queue.ReviewStatus, reviewer, editedRaw string, at time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_items SET review_status = ?, reviewer = ?, edited_raw = ?, reviewed_at = ?
		 WHERE id = ? AND review_status = ?`,
		string(status), reviewer, editedRaw, at.UTC(), id, string(queue.ReviewPending))
	if err != nil {
		return fmt.Errorf("reviewing queue item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		return queue.ErrAlreadyReviewed
	}
	return nil
}

func scanQueueItem(row rowScanner) (*queue.Item, error) {
	var item queue.Item
	var draft, match, status string
	var reviewedAt sql.NullTime

	err := row.Scan(&item.ID, &item.ExecutionID, &draft, &match, &status,
		&item.CreatedAt, &reviewedAt, &item.Reviewer, &item.EditedRaw)
	if err != nil {
		return nil, err
	}

	item.ReviewStatus = queue.ReviewStatus(status)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		item.ReviewedAt = &t
	}
	if err := json.Unmarshal([]byte(draft), &item.Draft); err != nil {
		return nil, fmt.Errorf("decoding draft for %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(match), &item.Match); err != nil {
		return nil, fmt.Errorf("decoding match for %s: %w", item.ID, err)
	}
	return &item, nil
}
