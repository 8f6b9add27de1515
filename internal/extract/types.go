// Package extract implements the extraction supervisor: a fixed roster of
// independent sub-agents, each specialized to one observable type, each
// running its own bounded generate/review/retry loop. Sub-agents know
// nothing about one another; the supervisor merges their outputs in roster
// order so aggregation is deterministic regardless of dispatch concurrency.
package extract

import (
	"errors"
	"time"
)

// ErrAllAgentsFailed is returned when every sub-agent in the roster failed.
// A single agent's failure only degrades its observable type.
var ErrAllAgentsFailed = errors.New("extract: all sub-agents failed")

// ObservableType identifies what kind of artifact a sub-agent extracts.
type ObservableType string

const (
	CommandLine       ObservableType = "command-line"
	QueryFragment     ObservableType = "query-fragment"
	EventID           ObservableType = "event-id"
	ProcessLineage    ObservableType = "process-lineage"
	RegistryOperation ObservableType = "registry-operation"
)

// ObservableTypes lists every type in canonical roster order.
var ObservableTypes = []ObservableType{
	CommandLine, QueryFragment, EventID, ProcessLineage, RegistryOperation,
}

// Observable is a typed extracted artifact with a source-text reference.
type Observable struct {
	Type       ObservableType `json:"type"`
	Value      string         `json:"value"`
	SourceRef  string         `json:"source_ref,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
}

// AgentState tracks a sub-agent through its local state machine.
type AgentState string

const (
	StatePending    AgentState = "pending"
	StateGenerating AgentState = "generating"
	StateReviewing  AgentState = "reviewing"
	StateRetry      AgentState = "retry"
	StateDone       AgentState = "done"
	StateFailed     AgentState = "failed"
)

// Exchange is one model interaction retained verbatim for audit.
type Exchange struct {
	Kind     string    `json:"kind"` // "generate" or "review"
	Attempt  int       `json:"attempt"`
	Prompt   string    `json:"prompt"`
	Response string    `json:"response"`
	Err      string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// AgentResult is one sub-agent's outcome.
type AgentResult struct {
	Agent       string         `json:"agent"`
	Type        ObservableType `json:"type"`
	State       AgentState     `json:"state"`
	Observables []Observable   `json:"observables"`
	Attempts    int            `json:"attempts"`
	QAExhausted bool           `json:"qa_exhausted,omitempty"`
	Warning     string         `json:"warning,omitempty"`
	Transcript  []Exchange     `json:"transcript"`
}

// Result is the merged extraction output. Agents appear in roster order.
type Result struct {
	Agents    []AgentResult                   `json:"agents"`
	Aggregate map[ObservableType][]Observable `json:"aggregate"`
	Warnings  []string                        `json:"warnings,omitempty"`
}

// Total returns the number of observables across all types.
func (r *Result) Total() int {
	n := 0
	for _, obs := range r.Aggregate {
		n += len(obs)
	}
	return n
}
