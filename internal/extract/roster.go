package extract

import (
	"fmt"
	"strings"
)

// AgentSpec declares one sub-agent as data: its observable type, its prompt
// template, and whether QA review applies. The supervisor processes every
// spec with the same generic routine; there are no per-agent code paths.
type AgentSpec struct {
	Name      string
	Type      ObservableType
	Prompt    string
	QAEnabled bool
}

// promptVars are substituted into agent prompt templates.
const (
	varText     = "{{TEXT}}"
	varPlatform = "{{PLATFORM}}"
	varFeedback = "{{FEEDBACK}}"
)

// render substitutes template variables. Feedback is empty on the first
// attempt and carries the reviewer's structured feedback on retries.
func (a AgentSpec) render(text, platform, feedback string) string {
	out := strings.ReplaceAll(a.Prompt, varText, text)
	out = strings.ReplaceAll(out, varPlatform, platform)
	if feedback != "" {
		feedback = "\n\nA previous attempt was rejected with this feedback, address it:\n" + feedback
	}
	return strings.ReplaceAll(out, varFeedback, feedback)
}

const promptSuffix = `

Respond ONLY with a JSON array of objects, each: {"value": "<the artifact>", "source_ref": "<short quote from the source text>", "confidence": <0.0-1.0>}. Respond with [] if nothing qualifies.{{FEEDBACK}}

Source text:
{{TEXT}}`

// DefaultRoster returns the fixed sub-agent roster in canonical order.
// Merge order follows this order, never completion order.
func DefaultRoster(qaEnabled bool) []AgentSpec {
	return []AgentSpec{
		{
			Name: "command-line", Type: CommandLine, QAEnabled: qaEnabled,
			Prompt: "Extract attacker command lines from this {{PLATFORM}} threat report: full invocations with binaries, flags and arguments, exactly as an endpoint sensor would record them. Exclude prose descriptions of activity." + promptSuffix,
		},
		{
			Name: "query-fragment", Type: QueryFragment, QAEnabled: qaEnabled,
			Prompt: "Extract hunt-ready query fragments from this {{PLATFORM}} threat report: field/value pairs, file paths, hashes, domains or pipe names that a detection query could match verbatim." + promptSuffix,
		},
		{
			Name: "event-id", Type: EventID, QAEnabled: qaEnabled,
			Prompt: "Extract log event identifiers referenced by this {{PLATFORM}} threat report: event IDs, audit record types or log channels tied to the described activity, each with the provider or channel when stated." + promptSuffix,
		},
		{
			Name: "process-lineage", Type: ProcessLineage, QAEnabled: qaEnabled,
			Prompt: "Extract parent/child process relationships from this {{PLATFORM}} threat report, formatted as parent > child chains, only where the report states the relationship." + promptSuffix,
		},
		{
			Name: "registry-operation", Type: RegistryOperation, QAEnabled: qaEnabled,
			Prompt: "Extract registry operations from this {{PLATFORM}} threat report: full key paths with value names and data where given, noting create/modify/delete.  Report [] for non-Windows activity." + promptSuffix,
		},
	}
}

// validateRoster rejects rosters with duplicate names or empty prompts.
func validateRoster(roster []AgentSpec) error {
	if len(roster) == 0 {
		return fmt.Errorf("extract: roster is empty")
	}
	seen := make(map[string]bool, len(roster))
	for _, spec := range roster {
		if spec.Name == "" || spec.Prompt == "" {
			return fmt.Errorf("extract: agent %q has empty name or prompt", spec.Name)
		}
		if seen[spec.Name] {
			return fmt.Errorf("extract: duplicate agent name %q", spec.Name)
		}
		seen[spec.Name] = true
	}
	return nil
}
