package similarity

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/embeddings"
	"github.com/rulesmith/rulesmith/internal/rule"
	"github.com/rulesmith/rulesmith/internal/vectorstore"
)

func testSimilarityConfig() config.SimilarityConfig {
	return config.SimilarityConfig{
		SignatureWeight:    0.87,
		NoveltyThreshold:   0.5,
		DuplicateThreshold: 0.9,
		TopK:               10,
	}
}

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	index, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	m, err := NewMatcher(embeddings.NewHashProvider(0), index, testSimilarityConfig(), nil)
	require.NoError(t, err)
	return m
}

func draftFrom(t *testing.T, raw string) *rule.Draft {
	t.Helper()
	d, err := rule.ParseDraft(raw)
	require.NoError(t, err)
	require.Empty(t, rule.Validate(d))
	return d
}

const whoamiRule = `title: Suspicious whoami execution
id: 11111111-1111-4111-8111-111111111111
description: Detects whoami spawned from a shell during discovery
logsource:
  product: windows
  category: process_creation
detection:
  selection:
    Image|endswith: '\whoami.exe'
    ParentImage|endswith: '\cmd.exe'
  condition: selection
tags: [attack.discovery, attack.t1033]
level: medium
`

const insmodRule = `title: Kernel module loaded via insmod
id: 22222222-2222-4222-8222-222222222222
description: Detects kernel driver loading on linux hosts
logsource:
  product: linux
  category: driver_load
detection:
  selection:
    Image|endswith: '/insmod'
    TargetFilename|endswith: '.ko'
  condition: selection
tags: [attack.persistence, attack.t1547]
level: high
`

func TestWeights(t *testing.T) {
	w := NewWeights(0.87)
	require.NoError(t, w.Validate())
	assert.InDelta(t, 0.87, w[vectorstore.SectionSignature], 1e-12)
	assert.InDelta(t, 0.13/3, w[vectorstore.SectionTitle], 1e-12)

	bad := Weights{vectorstore.SectionSignature: 0.5}
	assert.Error(t, bad.Validate())

	skewed := NewWeights(0.87)
	skewed[vectorstore.SectionTags] = 0.5
	assert.Error(t, skewed.Validate())
}

func TestWeightsAggregate(t *testing.T) {
	w := NewWeights(0.87)
	scores := map[vectorstore.Section]float64{
		vectorstore.SectionSignature: 1.0,
		vectorstore.SectionTitle:     0.0,
	}
	assert.InDelta(t, 0.87, w.Aggregate(scores), 1e-9)
}

func TestWeightsAggregateIgnoresNonFinite(t *testing.T) {
	w := NewWeights(0.87)
	scores := map[vectorstore.Section]float64{
		vectorstore.SectionSignature:   1.0,
		vectorstore.SectionTitle:       math.NaN(),
		vectorstore.SectionDescription: math.Inf(1),
	}
	got := w.Aggregate(scores)
	require.False(t, math.IsNaN(got))
	assert.InDelta(t, 0.87, got, 1e-9)
}

func TestSignatureOrderIndependent(t *testing.T) {
	a := draftFrom(t, whoamiRule)
	b := draftFrom(t, `title: different name
logsource:
  category: process_creation
  product: windows
detection:
  other_selection:
    ParentImage|endswith: '\powershell.exe'
    Image|contains: 'whoami'
  condition: other_selection
level: low
`)

	// Same logsource, same field set, different field order and values.
	assert.Equal(t, Signature(a), Signature(b))

	c := draftFrom(t, insmodRule)
	assert.NotEqual(t, Signature(a), Signature(c))
}

func TestMatchEmptyCorpusIsNovel(t *testing.T) {
	m := newTestMatcher(t)
	match, err := m.Match(context.Background(), draftFrom(t, whoamiRule))
	require.NoError(t, err)

	assert.Equal(t, VerdictNovel, match.Verdict)
	assert.Empty(t, match.BestRuleID)
	assert.Zero(t, match.Aggregate)
}

func TestMatchSelfIsDuplicate(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()
	existing := draftFrom(t, whoamiRule)

	require.NoError(t, m.IndexRule(ctx, existing, time.Now()))

	match, err := m.Match(ctx, existing)
	require.NoError(t, err)
	assert.Equal(t, VerdictDuplicate, match.Verdict)
	assert.Equal(t, existing.ID, match.BestRuleID)
	assert.InDelta(t, 1.0, match.Aggregate, 1e-3)
}

// Description and tags are optional; a rule carrying neither must still
// match itself as a duplicate rather than falling through as novel.
func TestMatchSelfWithoutOptionalSectionsIsDuplicate(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()
	existing := draftFrom(t, `title: Curl download into tmp
id: 33333333-3333-4333-8333-333333333333
logsource:
  product: linux
  category: process_creation
detection:
  selection:
    Image|endswith: '/curl'
    CommandLine|contains: '/tmp/'
  condition: selection
level: medium
`)
	require.Empty(t, existing.Description)
	require.Empty(t, existing.Tags)

	require.NoError(t, m.IndexRule(ctx, existing, time.Now()))

	match, err := m.Match(ctx, existing)
	require.NoError(t, err)
	require.False(t, math.IsNaN(match.Aggregate), "aggregate must stay finite")
	assert.Equal(t, VerdictDuplicate, match.Verdict)
	assert.Equal(t, existing.ID, match.BestRuleID)
	// Signature and title both self-match; the blank sections read as zero.
	assert.InDelta(t, 0.87+0.13/3, match.Aggregate, 1e-3)
}

func TestMatchUnrelatedRuleIsNovel(t *testing.T) {
	m := newTestMatcher(t)
	ctx := context.Background()

	require.NoError(t, m.IndexRule(ctx, draftFrom(t, insmodRule), time.Now()))

	match, err := m.Match(ctx, draftFrom(t, whoamiRule))
	require.NoError(t, err)
	assert.Equal(t, VerdictNovel, match.Verdict)
	// The best match is still reported for traceability.
	assert.NotEmpty(t, match.BestRuleID)
	assert.Less(t, match.Aggregate, 0.5)
}

func TestRankTieBreak(t *testing.T) {
	m := newTestMatcher(t)
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)
	scores := map[vectorstore.Section]float64{vectorstore.SectionSignature: 0.8}

	ranked := m.rank([]vectorstore.Match{
		{RuleID: "b", SectionScores: scores, UpdatedAt: older},
		{RuleID: "a", SectionScores: scores, UpdatedAt: newer},
	})
	assert.Equal(t, "a", ranked[0].RuleID, "equal aggregate breaks on recency")

	ranked = m.rank([]vectorstore.Match{
		{RuleID: "b", SectionScores: scores, UpdatedAt: older},
		{RuleID: "a", SectionScores: scores, UpdatedAt: older},
	})
	assert.Equal(t, "a", ranked[0].RuleID, "equal recency breaks on id")

	higher := map[vectorstore.Section]float64{vectorstore.SectionSignature: 0.9}
	ranked = m.rank([]vectorstore.Match{
		{RuleID: "low", SectionScores: scores, UpdatedAt: newer},
		{RuleID: "high", SectionScores: higher, UpdatedAt: older},
	})
	assert.Equal(t, "high", ranked[0].RuleID, "aggregate dominates recency")
}

func TestNewMatcherRejectsBadWeights(t *testing.T) {
	cfg := testSimilarityConfig()
	cfg.SignatureWeight = 1.5
	_, err := NewMatcher(embeddings.NewHashProvider(0), nil, cfg, nil)
	assert.Error(t, err)
}
