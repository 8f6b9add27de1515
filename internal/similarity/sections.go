// Package similarity compares rule drafts against the indexed rule corpus
// using weighted section-wise cosine similarity.
package similarity

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rulesmith/rulesmith/internal/rule"
	"github.com/rulesmith/rulesmith/internal/vectorstore"
)

// SectionTexts derives the embeddable text for every rule section. The
// signature is order-independent: a normalized logsource plus the sorted
// predicate field names, so two rules matching the same fields in a
// different order produce identical signatures.
func SectionTexts(d *rule.Draft) map[vectorstore.Section]string {
	return map[vectorstore.Section]string{
		vectorstore.SectionSignature:   Signature(d),
		vectorstore.SectionTitle:       d.Title,
		vectorstore.SectionDescription: d.Description,
		vectorstore.SectionTags:        tagText(d.Tags),
	}
}

// Signature builds the normalized signature string for a draft.
func Signature(d *rule.Draft) string {
	parts := []string{
		"product=" + normalize(d.LogSource.Product),
		"category=" + normalize(d.LogSource.Category),
		"service=" + normalize(d.LogSource.Service),
	}
	fields := d.FieldNames()
	normalized := make([]string, 0, len(fields))
	for _, f := range fields {
		normalized = append(normalized, normalize(f))
	}
	sort.Strings(normalized)
	parts = append(parts, "fields="+strings.Join(normalized, ","))
	return strings.Join(parts, " ")
}

func tagText(tags []string) string {
	normalized := make([]string, 0, len(tags))
	for _, t := range tags {
		normalized = append(normalized, normalize(t))
	}
	sort.Strings(normalized)
	return strings.Join(normalized, " ")
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Weights assigns each section its share of the aggregate score. The
// signature dominates; the remainder is split evenly across the other
// sections.
type Weights map[vectorstore.Section]float64

// NewWeights builds the weight set from the signature weight.
func NewWeights(signatureWeight float64) Weights {
	rest := (1 - signatureWeight) / float64(len(vectorstore.Sections)-1)
	w := Weights{vectorstore.SectionSignature: signatureWeight}
	for _, section := range vectorstore.Sections {
		if section != vectorstore.SectionSignature {
			w[section] = rest
		}
	}
	return w
}

const weightEpsilon = 1e-9

// Validate checks the weights cover every section and sum to 1.
func (w Weights) Validate() error {
	var sum float64
	for _, section := range vectorstore.Sections {
		weight, ok := w[section]
		if !ok {
			return fmt.Errorf("similarity: missing weight for section %q", section)
		}
		if weight < 0 {
			return fmt.Errorf("similarity: negative weight for section %q", section)
		}
		sum += weight
	}
	if sum < 1-weightEpsilon || sum > 1+weightEpsilon {
		return fmt.Errorf("similarity: section weights sum to %v, want 1.0", sum)
	}
	return nil
}

// Aggregate computes the weighted sum of per-section scores. Sections
// absent from scores contribute zero, as do NaN or infinite scores a
// backend may report for degenerate vectors.
func (w Weights) Aggregate(scores map[vectorstore.Section]float64) float64 {
	var sum float64
	for section, weight := range w {
		score := scores[section]
		if math.IsNaN(score) || math.IsInf(score, 0) {
			continue
		}
		sum += weight * score
	}
	return sum
}
