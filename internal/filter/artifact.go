package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
)

// ErrCorruptArtifact indicates the classifier artifact exists but cannot be
// used. This is a fatal configuration error: runs must abort rather than
// silently degrade, because a present-but-broken artifact means the
// deployment is misconfigured.
var ErrCorruptArtifact = errors.New("filter: corrupt classifier artifact")

// Artifact is a versioned binary relevance classifier: a logistic model
// over token frequencies and precision-pattern hit counts. The version id
// is recorded on every chunk decision for reproducibility.
type Artifact struct {
	Version    string             `json:"version"`
	Bias       float64            `json:"bias"`
	Vocabulary map[string]float64 `json:"vocabulary"`
	Patterns   []PatternWeight    `json:"patterns"`

	compiled []*regexp.Regexp
}

// PatternWeight is a precision regex pattern with its model weight.
type PatternWeight struct {
	Pattern string  `json:"pattern"`
	Weight  float64 `json:"weight"`
}

// LoadArtifact reads and validates a classifier artifact from path.
// A missing file returns os.ErrNotExist (callers fail open); anything
// present but unusable returns ErrCorruptArtifact.
func LoadArtifact(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	if err := a.compile(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Artifact) compile() error {
	if a.Version == "" {
		return fmt.Errorf("%w: missing version", ErrCorruptArtifact)
	}
	if len(a.Vocabulary) == 0 {
		return fmt.Errorf("%w: empty vocabulary", ErrCorruptArtifact)
	}
	a.compiled = make([]*regexp.Regexp, len(a.Patterns))
	for i, p := range a.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrCorruptArtifact, p.Pattern, err)
		}
		a.compiled[i] = re
	}
	return nil
}

// Score returns the relevance probability for a chunk of text. Pure and
// deterministic for a fixed artifact version.
func (a *Artifact) Score(text string) float64 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return sigmoid(a.Bias)
	}

	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}

	z := a.Bias
	for tok, n := range counts {
		if w, ok := a.Vocabulary[tok]; ok {
			z += w * float64(n) / float64(len(tokens))
		}
	}
	for i, p := range a.Patterns {
		if hits := len(a.compiled[i].FindAllStringIndex(text, -1)); hits > 0 {
			z += p.Weight * float64(hits)
		}
	}
	return sigmoid(z)
}

// PatternScore returns the keyword-rule score: the fraction of precision
// patterns that hit at least once.
func (a *Artifact) PatternScore(text string) float64 {
	if len(a.compiled) == 0 {
		return 0
	}
	hits := 0
	for _, re := range a.compiled {
		if re.MatchString(text) {
			hits++
		}
	}
	return float64(hits) / float64(len(a.compiled))
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		default:
			return true
		}
	})
}
