// Package ranking scores a filtered document's relevance to detection
// engineering with a single model call. The score gates the rest of the
// workflow: documents under the configured threshold stop the execution
// with a low_relevance termination, which is an expected outcome, not an
// error.
package ranking

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rulesmith/rulesmith/internal/gateway"
	"github.com/rulesmith/rulesmith/internal/modelout"
)

var tracer = otel.Tracer("rulesmith.ranking")

const systemPrompt = `You are a detection engineering analyst. You assess threat intelligence reports for actionable detection content: concrete attacker commands, tool invocations, event identifiers, registry operations, process relationships, or query-ready indicators.

Score the document from 0 to 100:
- 0-20: no actionable content (marketing, news, opinion)
- 21-59: mentions threats but lacks concrete technical detail
- 60-100: contains concrete observables a detection rule could target

Respond ONLY with a JSON object: {"score": <number>, "reasoning": "<one or two sentences>"}`

// Result is the ranking stage output.
type Result struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Ranker scores document relevance.
type Ranker struct {
	gw gateway.Gateway
}

// New creates a Ranker.
func New(gw gateway.Gateway) *Ranker {
	return &Ranker{gw: gw}
}

// Rank performs one model call over the filtered text. A completion that
// cannot be parsed is an invalid-response failure; scores outside [0,100]
// are clamped.
func (r *Ranker) Rank(ctx context.Context, filteredText string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ranking.Rank")
	defer span.End()

	completion, err := r.gw.Complete(ctx, filteredText, gateway.CallConfig{
		System:      systemPrompt,
		Temperature: 0.0,
	})
	if err != nil {
		return nil, fmt.Errorf("ranking call: %w", err)
	}

	var result Result
	if err := modelout.ParseJSON(completion, &result); err != nil {
		return nil, fmt.Errorf("%w: ranking completion: %v", gateway.ErrInvalidResponse, err)
	}

	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 100 {
		result.Score = 100
	}

	span.SetAttributes(attribute.Float64("score", result.Score))
	return &result, nil
}
