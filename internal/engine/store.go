package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no execution with that id exists.
	ErrNotFound = errors.New("engine: execution not found")
	// ErrConflict indicates a running execution already exists for the
	// same (document, config version) pair.
	ErrConflict = errors.New("engine: execution already running for document")
	// ErrLostOwnership indicates a guarded write found the execution no
	// longer running the expected step; the writer must discard its work.
	ErrLostOwnership = errors.New("engine: step ownership lost")
	// ErrTerminal indicates an operation on an execution that already
	// reached a terminal status.
	ErrTerminal = errors.New("engine: execution is terminal")
	// ErrNotRetryable indicates Retry on an execution that is not failed.
	ErrNotRetryable = errors.New("engine: execution is not in a retryable state")
	// ErrNoStepResult indicates a step result blob is missing.
	ErrNoStepResult = errors.New("engine: no result recorded for step")
)

// StepOutcome is the single guarded write a step handler performs: either
// advance to the next step, or finish the execution.
type StepOutcome struct {
	// Result is stored under the completed step's key. May be nil.
	Result json.RawMessage
	// Status stays StatusRunning to advance to Next, or becomes a
	// terminal status.
	Status Status
	// Next is the step to advance to when Status is StatusRunning.
	Next Step
	// TerminationReason is recorded on terminal outcomes.
	TerminationReason TerminationReason
	// FailureDetail is recorded when Status is StatusFailed.
	FailureDetail string
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	DocumentID string
	Status     Status
	Limit      int
}

// Store persists executions. Every mutation of a running execution is
// guarded by (status, current step) so a sweep racing a slow-but-live
// handler cannot produce duplicate writes.
type Store interface {
	// Create inserts a new pending execution.
	Create(ctx context.Context, ex *Execution) error

	// Get returns the execution, ErrNotFound otherwise.
	Get(ctx context.Context, id string) (*Execution, error)

	// List returns executions matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*Execution, error)

	// Start moves a pending execution to running at FirstStep. Fails with
	// ErrConflict while another execution is running for the same
	// (document, config version).
	Start(ctx context.Context, id string) error

	// Restart moves a failed execution back to running at its failure
	// step, keeping cached step results. ErrNotRetryable unless failed.
	Restart(ctx context.Context, id string) error

	// ApplyStep performs the guarded per-step write: records the result
	// under from, then either advances CurrentStep or finishes the
	// execution. ErrLostOwnership when the execution is not running from.
	ApplyStep(ctx context.Context, id string, from Step, outcome StepOutcome) error

	// RequestCancel flags a non-terminal execution for cooperative
	// cancellation. ErrTerminal once finished.
	RequestCancel(ctx context.Context, id string) error

	// SweepStale marks running executions not updated since cutoff as
	// failed with ReasonStaleTimeout, returning the affected ids.
	SweepStale(ctx context.Context, cutoff time.Time) ([]string, error)
}
