package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rulesmith/rulesmith/internal/logging"
	"github.com/rulesmith/rulesmith/internal/rule"
	"github.com/rulesmith/rulesmith/internal/similarity"
)

var tracer = otel.Tracer("rulesmith.queue")

// Indexer is what approval needs from the similarity layer: approved rules
// join the corpus their successors are matched against.
type Indexer interface {
	IndexRule(ctx context.Context, r *rule.Draft, updatedAt time.Time) error
}

// Action is a review decision.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionEdit    Action = "edit"
)

// Service implements queue promotion and review.
type Service struct {
	store   Store
	indexer Indexer
	logger  *logging.Logger
	now     func() time.Time
}

// NewService creates a queue Service.
func NewService(store Store, indexer Indexer, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{store: store, indexer: indexer, logger: logger, now: time.Now}
}

// Promote persists a novel draft as a pending queue item.
func (s *Service) Promote(ctx context.Context, executionID string, draft *rule.Draft, match *similarity.Match) (*Item, error) {
	ctx, span := tracer.Start(ctx, "queue.Promote")
	defer span.End()

	item := &Item{
		ID:           uuid.NewString(),
		ExecutionID:  executionID,
		Draft:        *draft,
		Match:        *match,
		ReviewStatus: ReviewPending,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("queue: enqueuing draft %s: %w", draft.ID, err)
	}

	span.SetAttributes(attribute.String("item_id", item.ID))
	s.logger.Info(ctx, "draft queued for review",
		zap.String("item_id", item.ID),
		zap.String("draft_id", draft.ID))
	return item, nil
}

// Review applies a review decision to a pending item. Approving indexes
// the draft into the rule corpus; editing validates the replacement rule
// and indexes that instead.
func (s *Service) Review(ctx context.Context, id string, action Action, reviewer, editedRaw string) (*Item, error) {
	ctx, span := tracer.Start(ctx, "queue.Review")
	defer span.End()
	span.SetAttributes(attribute.String("item_id", id), attribute.String("action", string(action)))

	item, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.ReviewStatus != ReviewPending {
		return nil, ErrAlreadyReviewed
	}

	now := s.now().UTC()
	var status ReviewStatus
	indexed := item.Draft

	switch action {
	case ActionApprove:
		status = ReviewApproved
	case ActionReject:
		status = ReviewRejected
	case ActionEdit:
		status = ReviewEdited
		edited, err := rule.ParseDraft(editedRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEdit, err)
		}
		if errs := rule.Validate(edited); len(errs) > 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEdit, errs)
		}
		edited.ID = item.Draft.ID
		edited.Valid = true
		indexed = *edited
	default:
		return nil, fmt.Errorf("queue: unknown review action %q", action)
	}

	if err := s.store.Review(ctx, id, status, reviewer, editedRaw, now); err != nil {
		return nil, err
	}

	if status == ReviewApproved || status == ReviewEdited {
		if err := s.indexer.IndexRule(ctx, &indexed, now); err != nil {
			// The review already landed; index failures surface to the
			// caller so the rule can be reindexed.
			return nil, fmt.Errorf("queue: indexing reviewed rule %s: %w", indexed.ID, err)
		}
	}

	item.ReviewStatus = status
	item.Reviewer = reviewer
	item.ReviewedAt = &now
	if action == ActionEdit {
		item.EditedRaw = editedRaw
	}
	s.logger.Info(ctx, "queue item reviewed",
		zap.String("item_id", id),
		zap.String("status", string(status)),
		zap.String("reviewer", reviewer))
	return item, nil
}
