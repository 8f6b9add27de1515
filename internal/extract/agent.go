package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rulesmith/rulesmith/internal/gateway"
	"github.com/rulesmith/rulesmith/internal/modelout"
)

// reviewVerdict is the QA reviewer's structured answer.
type reviewVerdict struct {
	Verdict  string `json:"verdict"` // "accept" or "reject"
	Feedback string `json:"feedback,omitempty"`
}

const reviewSystemPrompt = `You are a quality reviewer for extracted threat observables. Given source text and a candidate extraction, verify every candidate value actually appears in or is directly supported by the source text, is of the requested type, and is specific enough to detect on.

Respond ONLY with a JSON object: {"verdict": "accept"} or {"verdict": "reject", "feedback": "<what is wrong and what to fix>"}.`

// runAgent drives one sub-agent through its local state machine:
// pending -> generating -> (reviewing -> retry)* -> done | failed.
//
// The QA-feedback retry loop here is bounded by maxAttempts and is distinct
// from the transport retries inside the gateway. On exhaustion the
// best-so-far candidate set is accepted, flagged qa_exhausted only when QA
// actually ran.
func runAgent(ctx context.Context, gw gateway.Gateway, spec AgentSpec, text, platform string, maxAttempts int) AgentResult {
	result := AgentResult{
		Agent: spec.Name,
		Type:  spec.Type,
		State: StatePending,
	}

	var best []Observable
	haveBest := false
	feedback := ""

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		result.State = StateGenerating

		prompt := spec.render(text, platform, feedback)
		completion, err := gw.Complete(ctx, prompt, gateway.CallConfig{Temperature: 0.2})
		result.Transcript = append(result.Transcript, Exchange{
			Kind: "generate", Attempt: attempt, Prompt: prompt,
			Response: completion, Err: errString(err), At: time.Now().UTC(),
		})
		if err != nil {
			// Transport retries are already exhausted inside the gateway.
			// Degrade to the best candidates seen so far rather than
			// discarding earlier work.
			if haveBest {
				result.State = StateDone
				result.Observables = best
				result.QAExhausted = true
				result.Warning = fmt.Sprintf("gateway failed on attempt %d, accepted prior candidates: %v", attempt, err)
				return result
			}
			result.State = StateFailed
			result.Observables = []Observable{}
			result.Warning = fmt.Sprintf("gateway failed: %v", err)
			return result
		}

		candidates, parseErr := parseObservables(completion, spec.Type)
		if parseErr != nil {
			// Malformed output counts as a rejected attempt; the parse
			// error becomes the feedback for the next generation.
			feedback = "previous output was not valid JSON: " + parseErr.Error()
			result.State = StateRetry
			continue
		}

		if betterThan(candidates, best, haveBest) {
			best = candidates
			haveBest = true
		}

		if !spec.QAEnabled {
			result.State = StateDone
			result.Observables = candidates
			return result
		}

		result.State = StateReviewing
		verdict, reviewErr := review(ctx, gw, spec, text, candidates, &result, attempt)
		if reviewErr != nil {
			// QA degradation is contained: the candidates stand, the
			// review failure is recorded as a warning.
			result.State = StateDone
			result.Observables = candidates
			result.Warning = fmt.Sprintf("qa review unavailable: %v", reviewErr)
			return result
		}

		if verdict.Verdict == "accept" {
			result.State = StateDone
			result.Observables = candidates
			return result
		}

		feedback = verdict.Feedback
		if feedback == "" {
			feedback = "rejected without specific feedback; be stricter about source support"
		}
		result.State = StateRetry
	}

	// Retry budget exhausted: accept best-so-far, flagged. Without QA the
	// only way here is every attempt producing unparseable output.
	result.State = StateDone
	result.QAExhausted = spec.QAEnabled
	if haveBest {
		result.Observables = best
	} else {
		result.Observables = []Observable{}
		if spec.QAEnabled {
			result.Warning = "qa retries exhausted with no parseable candidates"
		} else {
			result.Warning = fmt.Sprintf("no parseable output in %d attempts", maxAttempts)
		}
	}
	return result
}

// review invokes the QA reviewer over the candidates.
func review(ctx context.Context, gw gateway.Gateway, spec AgentSpec, text string, candidates []Observable, result *AgentResult, attempt int) (reviewVerdict, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Observable type: %s\n\nCandidates:\n", spec.Type)
	if len(candidates) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- %q (source_ref: %q)\n", c.Value, c.SourceRef)
	}
	sb.WriteString("\nSource text:\n")
	sb.WriteString(text)

	prompt := sb.String()
	completion, err := gw.Complete(ctx, prompt, gateway.CallConfig{
		System:      reviewSystemPrompt,
		Temperature: 0.0,
	})
	result.Transcript = append(result.Transcript, Exchange{
		Kind: "review", Attempt: attempt, Prompt: prompt,
		Response: completion, Err: errString(err), At: time.Now().UTC(),
	})
	if err != nil {
		return reviewVerdict{}, err
	}

	var verdict reviewVerdict
	if err := modelout.ParseJSON(completion, &verdict); err != nil {
		return reviewVerdict{}, fmt.Errorf("unparseable review verdict: %w", err)
	}
	if verdict.Verdict != "accept" && verdict.Verdict != "reject" {
		return reviewVerdict{}, fmt.Errorf("unrecognized review verdict %q", verdict.Verdict)
	}
	return verdict, nil
}

// parseObservables converts a completion into typed observables.
func parseObservables(completion string, typ ObservableType) ([]Observable, error) {
	var raw []struct {
		Value      string  `json:"value"`
		SourceRef  string  `json:"source_ref"`
		Confidence float64 `json:"confidence"`
	}
	if err := modelout.ParseJSON(completion, &raw); err != nil {
		return nil, err
	}

	observables := make([]Observable, 0, len(raw))
	for _, r := range raw {
		value := strings.TrimSpace(r.Value)
		if value == "" {
			continue
		}
		observables = append(observables, Observable{
			Type:       typ,
			Value:      value,
			SourceRef:  r.SourceRef,
			Confidence: r.Confidence,
		})
	}
	return observables, nil
}

// betterThan prefers the candidate set with more observables; the first
// parseable set always beats nothing.
func betterThan(candidates, best []Observable, haveBest bool) bool {
	if !haveBest {
		return true
	}
	return len(candidates) > len(best)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
