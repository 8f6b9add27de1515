package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesmith/rulesmith/internal/queue"
	"github.com/rulesmith/rulesmith/internal/rule"
	"github.com/rulesmith/rulesmith/internal/similarity"
	"github.com/rulesmith/rulesmith/internal/store"
)

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
	err     error
}

func (f *fakeIndexer) IndexRule(_ context.Context, r *rule.Draft, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.indexed = append(f.indexed, r.ID)
	return nil
}

const reviewedRaw = `title: Suspicious Whoami Execution
description: Detects whoami spawned from a shell
logsource:
    product: windows
    category: process_creation
detection:
    selection:
        Image|endswith: '\whoami.exe'
    condition: selection
level: medium
`

func testDraft(t *testing.T) *rule.Draft {
	t.Helper()
	d, err := rule.ParseDraft(reviewedRaw)
	require.NoError(t, err)
	d.ID = uuid.NewString()
	d.Valid = true
	return d
}

func testMatch() *similarity.Match {
	return &similarity.Match{Verdict: similarity.VerdictNovel, Aggregate: 0.12}
}

func TestPromoteCreatesPendingItem(t *testing.T) {
	st := store.NewMemoryQueue()
	idx := &fakeIndexer{}
	svc := queue.NewService(st, idx, nil)

	draft := testDraft(t)
	item, err := svc.Promote(context.Background(), "exec-1", draft, testMatch())
	require.NoError(t, err)
	assert.Equal(t, queue.ReviewPending, item.ReviewStatus)
	assert.Equal(t, "exec-1", item.ExecutionID)
	assert.Equal(t, draft.ID, item.Draft.ID)

	got, err := st.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.ReviewPending, got.ReviewStatus)
	assert.Empty(t, idx.indexed, "promotion must not index anything")
}

func TestReviewApproveIndexesDraft(t *testing.T) {
	st := store.NewMemoryQueue()
	idx := &fakeIndexer{}
	svc := queue.NewService(st, idx, nil)

	item, err := svc.Promote(context.Background(), "exec-1", testDraft(t), testMatch())
	require.NoError(t, err)

	reviewed, err := svc.Review(context.Background(), item.ID, queue.ActionApprove, "analyst", "")
	require.NoError(t, err)
	assert.Equal(t, queue.ReviewApproved, reviewed.ReviewStatus)
	assert.Equal(t, "analyst", reviewed.Reviewer)
	require.NotNil(t, reviewed.ReviewedAt)
	assert.Equal(t, []string{item.Draft.ID}, idx.indexed)
}

func TestReviewRejectDoesNotIndex(t *testing.T) {
	st := store.NewMemoryQueue()
	idx := &fakeIndexer{}
	svc := queue.NewService(st, idx, nil)

	item, err := svc.Promote(context.Background(), "exec-1", testDraft(t), testMatch())
	require.NoError(t, err)

	reviewed, err := svc.Review(context.Background(), item.ID, queue.ActionReject, "analyst", "")
	require.NoError(t, err)
	assert.Equal(t, queue.ReviewRejected, reviewed.ReviewStatus)
	assert.Empty(t, idx.indexed)
}

func TestReviewEditValidatesAndIndexesReplacement(t *testing.T) {
	st := store.NewMemoryQueue()
	idx := &fakeIndexer{}
	svc := queue.NewService(st, idx, nil)

	item, err := svc.Promote(context.Background(), "exec-1", testDraft(t), testMatch())
	require.NoError(t, err)

	reviewed, err := svc.Review(context.Background(), item.ID, queue.ActionEdit, "analyst", reviewedRaw)
	require.NoError(t, err)
	assert.Equal(t, queue.ReviewEdited, reviewed.ReviewStatus)
	assert.Equal(t, reviewedRaw, reviewed.EditedRaw)
	// The edited rule keeps the original draft identity.
	assert.Equal(t, []string{item.Draft.ID}, idx.indexed)
}

func TestReviewEditRejectsInvalidRule(t *testing.T) {
	st := store.NewMemoryQueue()
	idx := &fakeIndexer{}
	svc := queue.NewService(st, idx, nil)

	item, err := svc.Promote(context.Background(), "exec-1", testDraft(t), testMatch())
	require.NoError(t, err)

	_, err = svc.Review(context.Background(), item.ID, queue.ActionEdit, "analyst", "title: only a title\n")
	assert.ErrorIs(t, err, queue.ErrInvalidEdit)
	assert.Empty(t, idx.indexed)

	// The item stays pending and reviewable.
	got, err := st.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.ReviewPending, got.ReviewStatus)
}

func TestReviewTwiceFails(t *testing.T) {
	st := store.NewMemoryQueue()
	idx := &fakeIndexer{}
	svc := queue.NewService(st, idx, nil)

	item, err := svc.Promote(context.Background(), "exec-1", testDraft(t), testMatch())
	require.NoError(t, err)

	_, err = svc.Review(context.Background(), item.ID, queue.ActionApprove, "analyst", "")
	require.NoError(t, err)
	_, err = svc.Review(context.Background(), item.ID, queue.ActionReject, "analyst", "")
	assert.ErrorIs(t, err, queue.ErrAlreadyReviewed)
}

func TestReviewUnknownAction(t *testing.T) {
	st := store.NewMemoryQueue()
	svc := queue.NewService(st, &fakeIndexer{}, nil)

	item, err := svc.Promote(context.Background(), "exec-1", testDraft(t), testMatch())
	require.NoError(t, err)

	_, err = svc.Review(context.Background(), item.ID, queue.Action("escalate"), "analyst", "")
	assert.Error(t, err)
}
