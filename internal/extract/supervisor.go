package extract

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/gateway"
	"github.com/rulesmith/rulesmith/internal/logging"
)

var tracer = otel.Tracer("rulesmith.extract")

// Supervisor dispatches the sub-agent roster and merges their outputs.
type Supervisor struct {
	gw     gateway.Gateway
	cfg    config.ExtractionConfig
	roster []AgentSpec
	logger *logging.Logger
}

// NewSupervisor creates a Supervisor over the default roster.
func NewSupervisor(gw gateway.Gateway, cfg config.ExtractionConfig, logger *logging.Logger) (*Supervisor, error) {
	return NewSupervisorWithRoster(gw, cfg, DefaultRoster(cfg.QAEnabled), logger)
}

// NewSupervisorWithRoster creates a Supervisor over a custom roster.
func NewSupervisorWithRoster(gw gateway.Gateway, cfg config.ExtractionConfig, roster []AgentSpec, logger *logging.Logger) (*Supervisor, error) {
	if err := validateRoster(roster); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{gw: gw, cfg: cfg, roster: roster, logger: logger}, nil
}

// Run dispatches every sub-agent concurrently and merges the results in
// roster order. A single agent's failure degrades only its observable type;
// Run returns ErrAllAgentsFailed only when every agent failed.
func (s *Supervisor) Run(ctx context.Context, filteredText string, platform string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "extract.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("roster_size", len(s.roster)))

	// Indexed by roster position so the merge below is deterministic
	// regardless of completion order.
	results := make([]AgentResult, len(s.roster))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency())
	for i, spec := range s.roster {
		g.Go(func() error {
			results[i] = runAgent(gctx, s.gw, spec, filteredText, platform, s.cfg.MaxAttempts)
			return nil
		})
	}
	// Agents report failure through their result, never through the group.
	_ = g.Wait()

	merged := &Result{
		Agents:    results,
		Aggregate: make(map[ObservableType][]Observable, len(s.roster)),
	}

	failed := 0
	for _, res := range results {
		if res.State == StateFailed {
			failed++
		}
		if res.Warning != "" {
			merged.Warnings = append(merged.Warnings, fmt.Sprintf("%s: %s", res.Agent, res.Warning))
			s.logger.Warn(ctx, "sub-agent degraded",
				zap.String("agent", res.Agent),
				zap.String("warning", res.Warning))
		}
		merged.Aggregate[res.Type] = append(merged.Aggregate[res.Type], dedupe(res.Observables)...)
	}

	span.SetAttributes(
		attribute.Int("failed_agents", failed),
		attribute.Int("observables", merged.Total()),
	)

	if failed == len(s.roster) {
		return merged, ErrAllAgentsFailed
	}
	return merged, nil
}

func (s *Supervisor) concurrency() int {
	if s.cfg.Concurrency > 0 {
		return s.cfg.Concurrency
	}
	return len(s.roster)
}

// dedupe drops repeated values, keeping first occurrence order.
func dedupe(observables []Observable) []Observable {
	seen := make(map[string]bool, len(observables))
	out := make([]Observable, 0, len(observables))
	for _, o := range observables {
		if seen[o.Value] {
			continue
		}
		seen[o.Value] = true
		out = append(out, o)
	}
	return out
}
