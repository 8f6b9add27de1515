package similarity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/embeddings"
	"github.com/rulesmith/rulesmith/internal/logging"
	"github.com/rulesmith/rulesmith/internal/rule"
	"github.com/rulesmith/rulesmith/internal/vectorstore"
)

var tracer = otel.Tracer("rulesmith.similarity")

// Verdict classifies a draft against its best corpus match.
type Verdict string

const (
	VerdictDuplicate Verdict = "duplicate"
	VerdictVariant   Verdict = "variant"
	VerdictNovel     Verdict = "novel"
)

// Match is the outcome of comparing one draft against the corpus.
type Match struct {
	DraftID       string                          `json:"draft_id"`
	BestRuleID    string                          `json:"best_rule_id,omitempty"`
	SectionScores map[vectorstore.Section]float64 `json:"section_scores,omitempty"`
	Aggregate     float64                         `json:"aggregate"`
	Verdict       Verdict                         `json:"verdict"`
}

// Matcher embeds draft sections and ranks corpus candidates by weighted
// aggregate similarity.
type Matcher struct {
	provider embeddings.Provider
	index    vectorstore.Index
	weights  Weights
	cfg      config.SimilarityConfig
	logger   *logging.Logger
}

// NewMatcher creates a Matcher. The weight set derived from the config is
// validated up front.
func NewMatcher(provider embeddings.Provider, index vectorstore.Index, cfg config.SimilarityConfig, logger *logging.Logger) (*Matcher, error) {
	weights := NewWeights(cfg.SignatureWeight)
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Matcher{provider: provider, index: index, weights: weights, cfg: cfg, logger: logger}, nil
}

// Match compares the draft against the corpus. An empty corpus yields a
// novel verdict with no best rule.
func (m *Matcher) Match(ctx context.Context, draft *rule.Draft) (*Match, error) {
	ctx, span := tracer.Start(ctx, "similarity.Match")
	defer span.End()
	span.SetAttributes(attribute.String("draft_id", draft.ID))

	vectors, err := m.embedSections(ctx, draft)
	if err != nil {
		return nil, err
	}

	candidates, err := m.index.Query(ctx, vectors, m.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("similarity: querying index: %w", err)
	}

	match := &Match{DraftID: draft.ID, Verdict: VerdictNovel}
	if len(candidates) > 0 {
		best := m.rank(candidates)[0]
		match.BestRuleID = best.RuleID
		match.SectionScores = best.SectionScores
		match.Aggregate = m.weights.Aggregate(best.SectionScores)
		match.Verdict = m.verdict(match.Aggregate)
	}

	span.SetAttributes(
		attribute.Float64("aggregate", match.Aggregate),
		attribute.String("verdict", string(match.Verdict)),
	)
	m.logger.Debug(ctx, "similarity match",
		zap.String("draft_id", draft.ID),
		zap.String("best_rule_id", match.BestRuleID),
		zap.Float64("aggregate", match.Aggregate),
		zap.String("verdict", string(match.Verdict)))
	return match, nil
}

// IndexRule embeds the rule's sections and upserts them into the corpus
// index. Used when a reviewed rule is approved.
func (m *Matcher) IndexRule(ctx context.Context, r *rule.Draft, updatedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "similarity.IndexRule")
	defer span.End()

	vectors, err := m.embedSections(ctx, r)
	if err != nil {
		return err
	}
	if err := m.index.Upsert(ctx, r.ID, vectors, updatedAt); err != nil {
		return fmt.Errorf("similarity: indexing rule %s: %w", r.ID, err)
	}
	return nil
}

func (m *Matcher) embedSections(ctx context.Context, draft *rule.Draft) (vectorstore.SectionVectors, error) {
	texts := SectionTexts(draft)
	vectors := make(vectorstore.SectionVectors, len(vectorstore.Sections))
	for _, section := range vectorstore.Sections {
		text := texts[section]
		if text == "" {
			// A blank section has no meaningful direction to embed; leave
			// it out so it scores 0 instead of poisoning the cosine math.
			continue
		}
		vec, err := m.provider.EmbedQuery(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("similarity: embedding section %q: %w", section, err)
		}
		vectors[section] = vec
	}
	return vectors, nil
}

// rank orders candidates by weighted aggregate descending, breaking ties by
// most recent update, then rule id ascending so results are reproducible.
func (m *Matcher) rank(candidates []vectorstore.Match) []vectorstore.Match {
	ranked := make([]vectorstore.Match, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		ai, aj := m.weights.Aggregate(ranked[i].SectionScores), m.weights.Aggregate(ranked[j].SectionScores)
		if ai != aj {
			return ai > aj
		}
		if !ranked[i].UpdatedAt.Equal(ranked[j].UpdatedAt) {
			return ranked[i].UpdatedAt.After(ranked[j].UpdatedAt)
		}
		return ranked[i].RuleID < ranked[j].RuleID
	})
	return ranked
}

func (m *Matcher) verdict(aggregate float64) Verdict {
	switch {
	case aggregate >= m.cfg.DuplicateThreshold:
		return VerdictDuplicate
	case aggregate >= m.cfg.NoveltyThreshold:
		return VerdictVariant
	default:
		return VerdictNovel
	}
}
