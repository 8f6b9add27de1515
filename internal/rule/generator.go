package rule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/extract"
	"github.com/rulesmith/rulesmith/internal/gateway"
	"github.com/rulesmith/rulesmith/internal/logging"
)

var tracer = otel.Tracer("rulesmith.rule")

const generateSystemPrompt = `You are a detection engineer. Given extracted threat observables, write ONE sigma-style detection rule as YAML.

The rule must have: title, description, logsource (product/category/service as appropriate), detection (one or more named selections plus a condition that references them), tags, and level (one of informational, low, medium, high, critical).

Respond ONLY with the YAML document, inside a fenced code block.`

// Generator drafts detection rules from extraction output, validating each
// attempt and feeding validator errors back into the next one.
type Generator struct {
	gw     gateway.Gateway
	cfg    config.GenerationConfig
	logger *logging.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(gw gateway.Gateway, cfg config.GenerationConfig, logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Generator{gw: gw, cfg: cfg, logger: logger}
}

// Generate drafts one rule from the extraction result. Validation failures
// are retried with the validator's error list as feedback, up to the
// configured attempt budget; every attempt is retained verbatim on the
// draft. An exhausted budget returns the draft marked invalid, not an
// error. A non-nil error means the gateway failed and the stage should
// fail.
func (g *Generator) Generate(ctx context.Context, result *extract.Result, platform string) (*Draft, error) {
	ctx, span := tracer.Start(ctx, "rule.Generate")
	defer span.End()

	var attempts []GenerationAttempt
	var lastDraft *Draft
	var feedback []string

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		prompt := g.buildPrompt(result, platform, feedback)
		completion, err := g.gw.Complete(ctx, prompt, gateway.CallConfig{
			System:      generateSystemPrompt,
			Temperature: 0.2,
		})
		if err != nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return nil, fmt.Errorf("rule: generation attempt %d: %w", attempt, err)
		}

		record := GenerationAttempt{Prompt: prompt, Response: completion, At: time.Now().UTC()}

		draft, parseErr := ParseDraft(extractYAML(completion))
		if parseErr != nil {
			record.Errors = []string{parseErr.Error()}
			attempts = append(attempts, record)
			feedback = record.Errors
			continue
		}

		if errs := Validate(draft); len(errs) > 0 {
			record.Errors = errs
			attempts = append(attempts, record)
			lastDraft = draft
			feedback = errs
			g.logger.Debug(ctx, "rule draft failed validation",
				zap.Int("attempt", attempt),
				zap.Strings("errors", errs))
			continue
		}

		attempts = append(attempts, record)
		draft.ID = uuid.NewString()
		draft.Valid = true
		draft.Attempts = attempts
		span.SetAttributes(attribute.Int("attempts", attempt), attribute.Bool("valid", true))
		return draft, nil
	}

	// Budget exhausted: retain the last parseable draft, marked invalid.
	if lastDraft == nil {
		lastDraft = &Draft{}
		if len(attempts) > 0 {
			lastDraft.Raw = attempts[len(attempts)-1].Response
		}
	}
	lastDraft.ID = uuid.NewString()
	lastDraft.Valid = false
	lastDraft.Attempts = attempts
	span.SetAttributes(attribute.Int("attempts", g.cfg.MaxAttempts), attribute.Bool("valid", false))
	g.logger.Warn(ctx, "rule generation exhausted validation attempts",
		zap.Int("max_attempts", g.cfg.MaxAttempts))
	return lastDraft, nil
}

func (g *Generator) buildPrompt(result *extract.Result, platform string, feedback []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Target platform: %s\n\nObservables extracted from a threat report:\n", platform)
	for _, typ := range extract.ObservableTypes {
		observables := result.Aggregate[typ]
		if len(observables) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n%s:\n", typ)
		for _, o := range observables {
			fmt.Fprintf(&sb, "- %s\n", o.Value)
		}
	}
	if len(feedback) > 0 {
		sb.WriteString("\nA previous draft failed validation. Fix these errors:\n")
		for _, e := range feedback {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
	}
	return sb.String()
}

// extractYAML pulls the YAML body out of a fenced code block, or returns the
// whole completion when no fence is present.
func extractYAML(completion string) string {
	s := strings.TrimSpace(completion)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Skip a language tag like "yaml" on the fence line.
		first := strings.TrimSpace(rest[:nl])
		if len(first) <= 10 && !strings.Contains(first, ":") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
