package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rulesmith/rulesmith/internal/engine"
	"github.com/rulesmith/rulesmith/internal/queue"
)

// MemoryStore is an in-memory engine.Store for tests.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[string]*engine.Execution
	now        func() time.Time
}

var _ engine.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*engine.Execution),
		now:        time.Now,
	}
}

func cloneExecution(ex *engine.Execution) *engine.Execution {
	cp := *ex
	if ex.StepResults != nil {
		cp.StepResults = make(map[engine.Step]json.RawMessage, len(ex.StepResults))
		for k, v := range ex.StepResults {
			cp.StepResults[k] = append(json.RawMessage(nil), v...)
		}
	}
	if ex.StartedAt != nil {
		t := *ex.StartedAt
		cp.StartedAt = &t
	}
	if ex.FinishedAt != nil {
		t := *ex.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Create inserts a new pending execution.
func (m *MemoryStore) Create(_ context.Context, ex *engine.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneExecution(ex)
	cp.Status = engine.StatusPending
	m.executions[ex.ID] = cp
	return nil
}

// Get returns a copy of the execution.
func (m *MemoryStore) Get(_ context.Context, id string) (*engine.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return cloneExecution(ex), nil
}

// List returns matching executions, newest first.
func (m *MemoryStore) List(_ context.Context, filter engine.ListFilter) ([]*engine.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*engine.Execution
	for _, ex := range m.executions {
		if filter.DocumentID != "" && ex.DocumentID != filter.DocumentID {
			continue
		}
		if filter.Status != "" && ex.Status != filter.Status {
			continue
		}
		out = append(out, cloneExecution(ex))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Start moves a pending execution to running at the first step.
func (m *MemoryStore) Start(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.executions[id]
	if !ok {
		return engine.ErrNotFound
	}
	if ex.Status != engine.StatusPending {
		return engine.ErrLostOwnership
	}
	for _, other := range m.executions {
		if other.ID != id && other.Status == engine.StatusRunning &&
			other.DocumentID == ex.DocumentID && other.ConfigVersion == ex.ConfigVersion {
			return engine.ErrConflict
		}
	}

	now := m.now().UTC()
	ex.Status = engine.StatusRunning
	ex.CurrentStep = engine.FirstStep
	ex.StartedAt = &now
	ex.UpdatedAt = now
	return nil
}

// Restart moves a failed execution back to running at its failure step.
func (m *MemoryStore) Restart(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.executions[id]
	if !ok {
		return engine.ErrNotFound
	}
	if ex.Status != engine.StatusFailed {
		return engine.ErrNotRetryable
	}
	for _, other := range m.executions {
		if other.ID != id && other.Status == engine.StatusRunning &&
			other.DocumentID == ex.DocumentID && other.ConfigVersion == ex.ConfigVersion {
			return engine.ErrConflict
		}
	}

	step := ex.FailureStep
	if step == "" {
		step = engine.FirstStep
	}
	now := m.now().UTC()
	ex.Status = engine.StatusRunning
	ex.CurrentStep = step
	ex.TerminationReason = ""
	ex.FailureStep = ""
	ex.FailureDetail = ""
	ex.CancelRequested = false
	ex.FinishedAt = nil
	ex.UpdatedAt = now
	return nil
}

// ApplyStep performs the guarded per-step write.
func (m *MemoryStore) ApplyStep(_ context.Context, id string, from engine.Step, outcome engine.StepOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.executions[id]
	if !ok {
		return engine.ErrNotFound
	}
	if ex.Status != engine.StatusRunning || ex.CurrentStep != from {
		return engine.ErrLostOwnership
	}

	now := m.now().UTC()
	if outcome.Result != nil {
		if ex.StepResults == nil {
			ex.StepResults = make(map[engine.Step]json.RawMessage)
		}
		ex.StepResults[from] = append(json.RawMessage(nil), outcome.Result...)
	}
	if outcome.Status == engine.StatusRunning {
		ex.CurrentStep = outcome.Next
	} else {
		ex.Status = outcome.Status
		ex.TerminationReason = outcome.TerminationReason
		if outcome.Status == engine.StatusFailed {
			ex.FailureStep = from
			ex.FailureDetail = outcome.FailureDetail
		}
		ex.FinishedAt = &now
	}
	ex.UpdatedAt = now
	return nil
}

// RequestCancel flags a non-terminal execution.
func (m *MemoryStore) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.executions[id]
	if !ok {
		return engine.ErrNotFound
	}
	if ex.Status.Terminal() {
		return engine.ErrTerminal
	}
	ex.CancelRequested = true
	ex.UpdatedAt = m.now().UTC()
	return nil
}

// SweepStale fails running executions not updated since cutoff.
func (m *MemoryStore) SweepStale(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var swept []string
	for _, ex := range m.executions {
		if ex.Status != engine.StatusRunning || !ex.UpdatedAt.Before(cutoff) {
			continue
		}
		ex.Status = engine.StatusFailed
		ex.TerminationReason = engine.ReasonStaleTimeout
		ex.FailureStep = ex.CurrentStep
		ex.FailureDetail = "staleness sweep"
		ex.FinishedAt = &now
		ex.UpdatedAt = now
		swept = append(swept, ex.ID)
	}
	sort.Strings(swept)
	return swept, nil
}

// MemoryQueue is an in-memory queue.Store for tests.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]*queue.Item
}

var _ queue.Store = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue store.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]*queue.Item)}
}

func cloneItem(item *queue.Item) *queue.Item {
	cp := *item
	if item.ReviewedAt != nil {
		t := *item.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}

// Enqueue inserts a new item.
func (m *MemoryQueue) Enqueue(_ context.Context, item *queue.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = cloneItem(item)
	return nil
}

// Get returns a copy of the item.
func (m *MemoryQueue) Get(_ context.Context, id string) (*queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return cloneItem(item), nil
}

// List returns items newest first, optionally filtered by status.
func (m *MemoryQueue) List(_ context.Context, status queue.ReviewStatus, limit int) ([]*queue.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*queue.Item
	for _, item := range m.items {
		if status != "" && item.ReviewStatus != status {
			continue
		}
		out = append(out, cloneItem(item))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Review finalizes a pending item.
func (m *MemoryQueue) Review(_ context.Context, id string, status queue.ReviewStatus, reviewer, editedRaw string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	if item.ReviewStatus != queue.ReviewPending {
		return queue.ErrAlreadyReviewed
	}
	item.ReviewStatus = status
	item.Reviewer = reviewer
	item.EditedRaw = editedRaw
	t := at.UTC()
	item.ReviewedAt = &t
	return nil
}
