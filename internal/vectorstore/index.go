// Package vectorstore provides the section-aware vector index over the
// existing rule corpus. Each rule is embedded per section (signature,
// title, description, tags) and queried per section, so the similarity
// stage can weight the sections independently.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/logging"
)

var (
	// ErrInvalidConfig indicates an unusable index configuration.
	ErrInvalidConfig = errors.New("vectorstore: invalid config")
	// ErrConnectionFailed indicates the backing store is unreachable.
	ErrConnectionFailed = errors.New("vectorstore: connection failed")
)

// Section identifies one embedded facet of a rule.
type Section string

const (
	SectionSignature   Section = "signature"
	SectionTitle       Section = "title"
	SectionDescription Section = "description"
	SectionTags        Section = "tags"
)

// Sections lists every section in canonical order.
var Sections = []Section{SectionSignature, SectionTitle, SectionDescription, SectionTags}

// SectionVectors holds one embedding per rule section.
type SectionVectors map[Section][]float32

// Match is one candidate rule returned by a query, with per-section cosine
// similarities. A section the candidate was never indexed under scores 0.
type Match struct {
	RuleID        string
	SectionScores map[Section]float64
	UpdatedAt     time.Time
}

// Index stores per-section rule embeddings and answers per-section
// similarity queries. Weighting and ranking belong to the caller.
type Index interface {
	// Upsert indexes (or reindexes) a rule's section embeddings. Sections
	// absent from vectors are cleared for the rule.
	Upsert(ctx context.Context, ruleID string, vectors SectionVectors, updatedAt time.Time) error
	// Query returns candidate rules near the given section vectors, the
	// union over per-section top-k lookups, merged by rule id.
	Query(ctx context.Context, vectors SectionVectors, topK int) ([]Match, error)
	// Close releases the underlying store.
	Close() error
}

// New creates an Index from configuration.
func New(cfg config.VectorStoreConfig, logger *logging.Logger) (Index, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemIndex(ChromemConfig{
			Path:       cfg.Path,
			Prefix:     cfg.Prefix,
			VectorSize: cfg.VectorSize,
		}, logger)
	case "qdrant":
		return NewQdrantIndex(QdrantConfig{
			Host:       cfg.Host,
			Port:       cfg.Port,
			Prefix:     cfg.Prefix,
			VectorSize: cfg.VectorSize,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}

// validateVectors rejects empty, unknown, or mis-sized section vector sets.
// Sections the caller never populated may be absent; at least one vector is
// required.
func validateVectors(vectors SectionVectors, size int) error {
	if len(vectors) == 0 {
		return fmt.Errorf("%w: at least one section vector required", ErrInvalidConfig)
	}
	for section, vec := range vectors {
		if !knownSection(section) {
			return fmt.Errorf("%w: unknown section %q", ErrInvalidConfig, section)
		}
		if size > 0 && len(vec) != size {
			return fmt.Errorf("%w: section %q vector has dimension %d, want %d", ErrInvalidConfig, section, len(vec), size)
		}
	}
	return nil
}

func knownSection(section Section) bool {
	for _, s := range Sections {
		if s == section {
			return true
		}
	}
	return false
}

// mergeHits folds per-section hits into one Match per rule id, in
// first-seen section order. Missing sections stay at score 0.
func mergeHits(hits map[Section][]Match) []Match {
	byID := make(map[string]*Match)
	var order []string
	for _, section := range Sections {
		for _, hit := range hits[section] {
			m, ok := byID[hit.RuleID]
			if !ok {
				m = &Match{RuleID: hit.RuleID, SectionScores: make(map[Section]float64, len(Sections))}
				byID[hit.RuleID] = m
				order = append(order, hit.RuleID)
			}
			m.SectionScores[section] = hit.SectionScores[section]
			if hit.UpdatedAt.After(m.UpdatedAt) {
				m.UpdatedAt = hit.UpdatedAt
			}
		}
	}

	merged := make([]Match, 0, len(order))
	for _, id := range order {
		merged = append(merged, *byID[id])
	}
	return merged
}
