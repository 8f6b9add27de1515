// Package rule models sigma-style detection rule drafts: the YAML document
// format, syntactic validation against the rule grammar, and the model-backed
// generation stage with its bounded validator-feedback loop.
package rule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Severity levels accepted by the validator, mildest first.
var Severities = []string{"informational", "low", "medium", "high", "critical"}

// LogSource classifies where the rule's events come from.
type LogSource struct {
	Product  string `yaml:"product,omitempty" json:"product,omitempty"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
	Service  string `yaml:"service,omitempty" json:"service,omitempty"`
}

// Empty reports whether no classification is set.
func (l LogSource) Empty() bool {
	return l.Product == "" && l.Category == "" && l.Service == ""
}

// Detection is the rule's predicate tree: named selections plus a condition
// expression combining them.
type Detection struct {
	Selections map[string]any `json:"selections"`
	Condition  string         `json:"condition"`
}

// SelectionNames returns the defined selection names, sorted.
func (d Detection) SelectionNames() []string {
	names := make([]string, 0, len(d.Selections))
	for name := range d.Selections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GenerationAttempt is one generate/validate round, retained verbatim.
type GenerationAttempt struct {
	Prompt   string    `json:"prompt"`
	Response string    `json:"response"`
	Errors   []string  `json:"errors,omitempty"`
	At       time.Time `json:"at"`
}

// Draft is a generated detection rule plus its full generation audit. An
// invalid draft is retained with Valid=false, never dropped.
type Draft struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	LogSource   LogSource           `json:"logsource"`
	Detection   Detection           `json:"detection"`
	Tags        []string            `json:"tags,omitempty"`
	Severity    string              `json:"severity"`
	Raw         string              `json:"raw"`
	Valid       bool                `json:"valid"`
	Attempts    []GenerationAttempt `json:"attempts,omitempty"`
}

// document is the on-the-wire YAML shape of a rule.
type document struct {
	Title       string         `yaml:"title"`
	ID          string         `yaml:"id,omitempty"`
	Description string         `yaml:"description,omitempty"`
	LogSource   LogSource      `yaml:"logsource"`
	Detection   map[string]any `yaml:"detection"`
	Tags        []string       `yaml:"tags,omitempty"`
	Level       string         `yaml:"level"`
}

// ParseDraft parses a sigma-style YAML rule document into a Draft. The raw
// text is retained unmodified. Parse errors cover YAML syntax only; grammar
// checks belong to Validate.
func ParseDraft(raw string) (*Draft, error) {
	var doc document
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("rule: parsing yaml: %w", err)
	}

	detection := Detection{Selections: make(map[string]any)}
	for key, value := range doc.Detection {
		if key == "condition" {
			if s, ok := value.(string); ok {
				detection.Condition = s
			} else {
				detection.Condition = fmt.Sprintf("%v", value)
			}
			continue
		}
		detection.Selections[key] = value
	}

	return &Draft{
		ID:          doc.ID,
		Title:       strings.TrimSpace(doc.Title),
		Description: strings.TrimSpace(doc.Description),
		LogSource:   doc.LogSource,
		Detection:   detection,
		Tags:        doc.Tags,
		Severity:    strings.ToLower(strings.TrimSpace(doc.Level)),
		Raw:         raw,
	}, nil
}

// MarshalYAML renders the draft back into the document format.
func (d *Draft) MarshalYAML() ([]byte, error) {
	det := make(map[string]any, len(d.Detection.Selections)+1)
	for name, sel := range d.Detection.Selections {
		det[name] = sel
	}
	det["condition"] = d.Detection.Condition

	return yaml.Marshal(document{
		Title:       d.Title,
		ID:          d.ID,
		Description: d.Description,
		LogSource:   d.LogSource,
		Detection:   det,
		Tags:        d.Tags,
		Level:       d.Severity,
	})
}

// FieldNames returns every predicate field name used across the draft's
// selections, modifiers stripped, deduplicated and sorted. Used by the
// similarity signature.
func (d *Draft) FieldNames() []string {
	seen := make(map[string]bool)
	for _, sel := range d.Detection.Selections {
		collectFieldNames(sel, seen)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func collectFieldNames(sel any, seen map[string]bool) {
	switch v := sel.(type) {
	case map[string]any:
		for key := range v {
			seen[baseFieldName(key)] = true
		}
	case []any:
		for _, item := range v {
			collectFieldNames(item, seen)
		}
	}
}

// baseFieldName strips sigma modifiers: "CommandLine|contains" -> "CommandLine".
func baseFieldName(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}
