// Package filter implements the content filter that gates model calls. It
// chunks a document with a sliding window and classifies each chunk as
// relevant or irrelevant using a trained artifact blended with keyword
// rules. Chunks matching protected literal patterns are always kept.
package filter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/logging"
)

var tracer = otel.Tracer("rulesmith.filter")

// degradedVersion is recorded on chunk decisions when no classifier is
// available and the filter fails open.
const degradedVersion = "degraded"

// Result is the outcome of filtering one document.
type Result struct {
	Chunks            []Chunk `json:"chunks"`
	FilteredText      string  `json:"-"`
	KeptChunks        int     `json:"kept_chunks"`
	DroppedChunks     int     `json:"dropped_chunks"`
	ProtectedChunks   int     `json:"protected_chunks"`
	Degraded          bool    `json:"degraded,omitempty"`
	ClassifierVersion string  `json:"classifier_version"`
}

// Filter classifies document chunks. It is a pure function of its inputs:
// for a fixed artifact version and configuration, the same document always
// yields the same decisions.
type Filter struct {
	cfg       config.FilterConfig
	artifact  *Artifact // nil in degraded mode
	protected []*regexp.Regexp
	logger    *logging.Logger
}

// New builds a Filter from configuration. A missing classifier artifact is
// not an error: the filter fails open (keeps every chunk) and flags runs as
// degraded. A present but corrupt artifact is a fatal configuration error.
func New(cfg config.FilterConfig, logger *logging.Logger) (*Filter, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	protected := make([]*regexp.Regexp, 0, len(cfg.ProtectedPatterns))
	for _, p := range cfg.ProtectedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling protected pattern %q: %w", p, err)
		}
		protected = append(protected, re)
	}

	f := &Filter{cfg: cfg, protected: protected, logger: logger}

	if cfg.ArtifactPath == "" {
		return f, nil
	}
	artifact, err := LoadArtifact(cfg.ArtifactPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fail open, never fail closed silently.
		logger.Warn(context.Background(), "classifier artifact missing, filter degraded",
			zap.String("path", cfg.ArtifactPath))
	case err != nil:
		return nil, err
	default:
		f.artifact = artifact
	}
	return f, nil
}

// NewWithArtifact builds a Filter around an already-loaded artifact.
func NewWithArtifact(cfg config.FilterConfig, artifact *Artifact, logger *logging.Logger) (*Filter, error) {
	f, err := New(config.FilterConfig{
		ChunkSize:         cfg.ChunkSize,
		Overlap:           cfg.Overlap,
		MinConfidence:     cfg.MinConfidence,
		ProtectedPatterns: cfg.ProtectedPatterns,
		KeywordWeight:     cfg.KeywordWeight,
		ClassifierWeight:  cfg.ClassifierWeight,
	}, logger)
	if err != nil {
		return nil, err
	}
	f.artifact = artifact
	return f, nil
}

// Degraded reports whether the filter is running without a classifier.
func (f *Filter) Degraded() bool {
	return f.artifact == nil
}

// Version returns the classifier artifact version in use.
func (f *Filter) Version() string {
	if f.artifact == nil {
		return degradedVersion
	}
	return f.artifact.Version
}

// Run filters the document text and returns per-chunk decisions plus the
// concatenated kept text.
func (f *Filter) Run(ctx context.Context, text string) (*Result, error) {
	_, span := tracer.Start(ctx, "filter.Run")
	defer span.End()

	chunks := chunkText(text, f.cfg.ChunkSize, f.cfg.Overlap)
	result := &Result{
		Chunks:            chunks,
		Degraded:          f.Degraded(),
		ClassifierVersion: f.Version(),
	}

	var kept strings.Builder
	for i := range chunks {
		chunk := &chunks[i]
		chunk.ClassifierVersion = result.ClassifierVersion

		switch {
		case f.isProtected(chunk.Text):
			chunk.Decision = DecisionProtected
			chunk.Confidence = 1.0
		case f.artifact == nil:
			chunk.Decision = DecisionKeep
			chunk.Confidence = 1.0
		default:
			confidence := f.relevance(chunk.Text)
			chunk.Confidence = confidence
			if confidence >= f.cfg.MinConfidence {
				chunk.Decision = DecisionKeep
			} else {
				chunk.Decision = DecisionDrop
			}
		}

		switch chunk.Decision {
		case DecisionProtected:
			result.ProtectedChunks++
		case DecisionKeep:
			result.KeptChunks++
		case DecisionDrop:
			result.DroppedChunks++
		}

		if chunk.Kept() {
			if kept.Len() > 0 {
				kept.WriteString("\n")
			}
			kept.WriteString(chunk.Text)
		}
	}

	result.FilteredText = kept.String()
	span.SetAttributes(
		attribute.Int("chunks", len(chunks)),
		attribute.Int("kept", result.KeptChunks+result.ProtectedChunks),
		attribute.Bool("degraded", result.Degraded),
	)
	return result, nil
}

// relevance blends the keyword-rule score with the classifier probability.
// Both weights come from configuration because observed deployments
// disagree on the split.
func (f *Filter) relevance(text string) float64 {
	prob := f.artifact.Score(text)
	kw := f.artifact.PatternScore(text)

	total := f.cfg.KeywordWeight + f.cfg.ClassifierWeight
	if total == 0 {
		return prob
	}
	return (f.cfg.KeywordWeight*kw + f.cfg.ClassifierWeight*prob) / total
}

func (f *Filter) isProtected(text string) bool {
	for _, re := range f.protected {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
