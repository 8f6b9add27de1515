// Package queue holds novel rule drafts awaiting human review, and the
// review operations that approve, reject, or edit them.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rulesmith/rulesmith/internal/rule"
	"github.com/rulesmith/rulesmith/internal/similarity"
)

var (
	// ErrNotFound indicates no queue item with that id exists.
	ErrNotFound = errors.New("queue: item not found")
	// ErrAlreadyReviewed indicates a review operation on a non-pending item.
	ErrAlreadyReviewed = errors.New("queue: item already reviewed")
	// ErrInvalidEdit indicates an edited rule that fails validation.
	ErrInvalidEdit = errors.New("queue: edited rule is invalid")
)

// ReviewStatus is the review lifecycle of a queued draft.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewEdited   ReviewStatus = "edited"
)

// Item is a queued rule draft with its similarity context.
type Item struct {
	ID           string           `json:"id"`
	ExecutionID  string           `json:"execution_id,omitempty"`
	Draft        rule.Draft       `json:"draft"`
	Match        similarity.Match `json:"match"`
	ReviewStatus ReviewStatus     `json:"review_status"`
	CreatedAt    time.Time        `json:"created_at"`
	ReviewedAt   *time.Time       `json:"reviewed_at,omitempty"`
	Reviewer     string           `json:"reviewer,omitempty"`
	EditedRaw    string           `json:"edited_raw,omitempty"`
}

// Store persists queue items.
type Store interface {
	// Enqueue inserts a new pending item.
	Enqueue(ctx context.Context, item *Item) error

	// Get returns the item, ErrNotFound otherwise.
	Get(ctx context.Context, id string) (*Item, error)

	// List returns items newest first; an empty status matches all.
	List(ctx context.Context, status ReviewStatus, limit int) ([]*Item, error)

	// Review finalizes a pending item. ErrAlreadyReviewed when the item
	// is no longer pending.
	Review(ctx context.Context, id string, status ReviewStatus, reviewer, editedRaw string, at time.Time) error
}
