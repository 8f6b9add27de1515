package rule

import (
	"fmt"
	"regexp"
	"strings"
)

// conditionKeywords are tokens in a condition expression that are not
// selection references.
var conditionKeywords = map[string]bool{
	"and": true, "or": true, "not": true,
	"all": true, "any": true, "of": true, "them": true,
	"1": true,
}

// Validate checks a draft against the rule grammar and returns every
// violation found, as human-readable strings suitable for model feedback.
// A nil slice means the draft is syntactically valid.
func Validate(d *Draft) []string {
	var errs []string

	if d.Title == "" {
		errs = append(errs, "missing required field: title")
	}
	if d.LogSource.Empty() {
		errs = append(errs, "logsource must set at least one of product, category, service")
	}
	if len(d.Detection.Selections) == 0 {
		errs = append(errs, "detection must define at least one selection")
	}
	if strings.TrimSpace(d.Detection.Condition) == "" {
		errs = append(errs, "detection is missing a condition")
	}

	for _, name := range d.Detection.SelectionNames() {
		errs = append(errs, validateSelection(name, d.Detection.Selections[name])...)
	}

	if cond := strings.TrimSpace(d.Detection.Condition); cond != "" {
		errs = append(errs, validateCondition(cond, d.Detection)...)
	}

	if d.Severity == "" {
		errs = append(errs, "missing required field: level")
	} else if !validSeverity(d.Severity) {
		errs = append(errs, fmt.Sprintf("level %q is not one of %s", d.Severity, strings.Join(Severities, ", ")))
	}

	return errs
}

func validSeverity(level string) bool {
	for _, s := range Severities {
		if level == s {
			return true
		}
	}
	return false
}

// validateSelection rejects null selections, empty maps, and broken |re
// patterns.
func validateSelection(name string, sel any) []string {
	var errs []string
	switch v := sel.(type) {
	case nil:
		errs = append(errs, fmt.Sprintf("selection %q is null", name))
	case map[string]any:
		if len(v) == 0 {
			errs = append(errs, fmt.Sprintf("selection %q is empty", name))
		}
		for key, value := range v {
			if value == nil {
				errs = append(errs, fmt.Sprintf("selection %q field %q has a null value", name, key))
			}
			if strings.HasSuffix(key, "|re") {
				errs = append(errs, validateRegexValues(name, key, value)...)
			}
		}
	case []any:
		if len(v) == 0 {
			errs = append(errs, fmt.Sprintf("selection %q is empty", name))
		}
		for _, item := range v {
			errs = append(errs, validateSelection(name, item)...)
		}
	default:
		errs = append(errs, fmt.Sprintf("selection %q must be a map or a list of maps, got %T", name, sel))
	}
	return errs
}

func validateRegexValues(selection, key string, value any) []string {
	var errs []string
	check := func(raw any) {
		s, ok := raw.(string)
		if !ok {
			errs = append(errs, fmt.Sprintf("selection %q field %q: regex value must be a string", selection, key))
			return
		}
		if _, err := regexp.Compile(s); err != nil {
			errs = append(errs, fmt.Sprintf("selection %q field %q: invalid regex %q: %v", selection, key, s, err))
		}
	}
	if list, ok := value.([]any); ok {
		for _, item := range list {
			check(item)
		}
	} else {
		check(value)
	}
	return errs
}

// validateCondition checks that every selection reference in the condition
// expression resolves to a defined selection. Wildcard references
// ("selection_*") must match at least one selection by prefix.
func validateCondition(cond string, det Detection) []string {
	var errs []string
	for _, token := range tokenizeCondition(cond) {
		lower := strings.ToLower(token)
		if conditionKeywords[lower] {
			continue
		}
		if strings.HasSuffix(token, "*") {
			prefix := strings.TrimSuffix(token, "*")
			if !anySelectionHasPrefix(det, prefix) {
				errs = append(errs, fmt.Sprintf("condition references %q but no selection matches that prefix", token))
			}
			continue
		}
		if _, ok := det.Selections[token]; !ok {
			errs = append(errs, fmt.Sprintf("condition references undefined selection %q", token))
		}
	}
	return errs
}

func anySelectionHasPrefix(det Detection, prefix string) bool {
	for name := range det.Selections {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func tokenizeCondition(cond string) []string {
	cond = strings.NewReplacer("(", " ", ")", " ").Replace(cond)
	return strings.Fields(cond)
}
