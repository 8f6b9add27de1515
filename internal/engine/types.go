package engine

import (
	"encoding/json"
	"time"
)

// Step is one stage of the pipeline.
type Step string

const (
	StepFilter         Step = "filter"
	StepRank           Step = "rank"
	StepPlatformDetect Step = "platform_detect"
	StepExtract        Step = "extract"
	StepGenerate       Step = "generate"
	StepSimilarity     Step = "similarity"
	StepPromote        Step = "promote"
)

// Steps returns all steps in execution order.
func Steps() []Step {
	return []Step{StepFilter, StepRank, StepPlatformDetect, StepExtract, StepGenerate, StepSimilarity, StepPromote}
}

// FirstStep is where every new execution starts.
const FirstStep = StepFilter

// NextStep returns the step after s. ok is false when s is the last step
// or unknown; transitions only ever move forward through this table.
func NextStep(s Step) (Step, bool) {
	steps := Steps()
	for i, step := range steps {
		if step == s && i+1 < len(steps) {
			return steps[i+1], true
		}
	}
	return "", false
}

// ValidStep reports whether s names a pipeline step.
func ValidStep(s Step) bool {
	for _, step := range Steps() {
		if step == s {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TerminationReason records why a run stopped where it did. These are
// expected stop points, recorded on both completed and failed executions.
type TerminationReason string

const (
	ReasonLowRelevance        TerminationReason = "low_relevance"
	ReasonPlatformExcluded    TerminationReason = "platform_excluded"
	ReasonDuplicateSuppressed TerminationReason = "duplicate_suppressed"
	ReasonQueued              TerminationReason = "queued"
	ReasonDraftInvalid        TerminationReason = "draft_invalid"
	ReasonExtractionFailed    TerminationReason = "extraction_failed"
	ReasonStaleTimeout        TerminationReason = "stale_timeout"
	ReasonCancelled           TerminationReason = "cancelled"
)

// Execution is the per-run record: the sole shared mutable state of a
// workflow run. Step handlers mutate it once per step through the store's
// guarded writes.
type Execution struct {
	ID                string                   `json:"id"`
	DocumentID        string                   `json:"document_id"`
	ConfigVersion     string                   `json:"config_version"`
	Status            Status                   `json:"status"`
	CurrentStep       Step                     `json:"current_step,omitempty"`
	StepResults       map[Step]json.RawMessage `json:"step_results,omitempty"`
	TerminationReason TerminationReason        `json:"termination_reason,omitempty"`
	FailureStep       Step                     `json:"failure_step,omitempty"`
	FailureDetail     string                   `json:"failure_detail,omitempty"`
	CancelRequested   bool                     `json:"cancel_requested,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
	StartedAt         *time.Time               `json:"started_at,omitempty"`
	FinishedAt        *time.Time               `json:"finished_at,omitempty"`
}

// Result decodes the stored result blob for one step into out.
func (e *Execution) Result(step Step, out any) error {
	raw, ok := e.StepResults[step]
	if !ok {
		return ErrNoStepResult
	}
	return json.Unmarshal(raw, out)
}

// HasResult reports whether a step has a cached result blob.
func (e *Execution) HasResult(step Step) bool {
	_, ok := e.StepResults[step]
	return ok
}
