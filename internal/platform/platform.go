// Package platform classifies which operating system a threat-intelligence
// document targets. Detection is deterministic keyword counting first, with
// an optional model fallback when no keyword evidence exists.
package platform

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rulesmith/rulesmith/internal/gateway"
	"github.com/rulesmith/rulesmith/internal/modelout"
)

var tracer = otel.Tracer("rulesmith.platform")

// Platform is a detected target platform.
type Platform string

const (
	Windows  Platform = "windows"
	Linux    Platform = "linux"
	MacOS    Platform = "macos"
	Multiple Platform = "multiple"
	Unknown  Platform = "unknown"
)

// minEvidence is the keyword hit count below which a platform is not
// considered evidenced. A single stray mention does not classify a report.
const minEvidence = 2

// Evidence patterns per platform. Word-boundary anchored so "linux" inside
// a URL still counts but "darwinism" does not produce macos evidence.
var signals = map[Platform][]*regexp.Regexp{
	Windows: compileAll(
		`(?i)\bwindows\b`, `(?i)\bpowershell\b`, `(?i)\bregistry\b`,
		`(?i)\bhk(ey_|lm|cu)\w*`, `(?i)\b\w+\.exe\b`, `(?i)\b\w+\.dll\b`,
		`(?i)\bevent id\b`, `(?i)\bsysmon\b`, `(?i)\bactive directory\b`,
		`(?i)\bwmi\b`, `(?i)\blsass\b`, `(?i)\bntlm\b`,
	),
	Linux: compileAll(
		`(?i)\blinux\b`, `(?i)\bsystemd\b`, `(?i)\bcron(tab)?\b`,
		`(?i)\bbash\b`, `(?i)/etc/\w+`, `(?i)/var/log/\w+`,
		`(?i)\bauditd\b`, `(?i)\bssh[d]?\b`, `(?i)\bchmod\b`, `(?i)\belf\b`,
	),
	MacOS: compileAll(
		`(?i)\bmacos\b`, `(?i)\bos x\b`, `(?i)\blaunchd\b`,
		`(?i)\blaunch(agent|daemon)s?\b`, `(?i)\bplist\b`, `(?i)\bgatekeeper\b`,
		`(?i)\bxprotect\b`, `(?i)\bdylib\b`, `(?i)\bkeychain\b`,
	),
}

func compileAll(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return res
}

// Result is the platform detection output.
type Result struct {
	Platform Platform         `json:"platform"`
	Evidence map[Platform]int `json:"evidence,omitempty"`
	Source   string           `json:"source"` // "keywords", "hints", "model" or "none"
}

// Detector classifies document platform.
type Detector struct {
	gw            gateway.Gateway // used only when fallback enabled
	modelFallback bool
}

// New creates a Detector. gw may be nil when modelFallback is false.
func New(gw gateway.Gateway, modelFallback bool) *Detector {
	return &Detector{gw: gw, modelFallback: modelFallback}
}

// Detect classifies text. Keyword evidence wins; document platform hints
// are consulted next; the model fallback runs only when both are silent.
func (d *Detector) Detect(ctx context.Context, text string, hints []string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "platform.Detect")
	defer span.End()

	evidence := make(map[Platform]int, len(signals))
	var evidenced []Platform
	for _, p := range []Platform{Windows, Linux, MacOS} {
		count := 0
		for _, re := range signals[p] {
			count += len(re.FindAllStringIndex(text, -1))
		}
		evidence[p] = count
		if count >= minEvidence {
			evidenced = append(evidenced, p)
		}
	}

	result := &Result{Evidence: evidence, Source: "keywords"}
	switch len(evidenced) {
	case 1:
		result.Platform = evidenced[0]
		span.SetAttributes(attribute.String("platform", string(result.Platform)))
		return result, nil
	default:
		if len(evidenced) > 1 {
			result.Platform = Multiple
			span.SetAttributes(attribute.String("platform", string(result.Platform)))
			return result, nil
		}
	}

	if p, ok := fromHints(hints); ok {
		result.Platform = p
		result.Source = "hints"
		span.SetAttributes(attribute.String("platform", string(result.Platform)))
		return result, nil
	}

	if d.modelFallback && d.gw != nil {
		p, err := d.modelDetect(ctx, text)
		if err != nil {
			return nil, err
		}
		result.Platform = p
		result.Source = "model"
		span.SetAttributes(attribute.String("platform", string(result.Platform)))
		return result, nil
	}

	result.Platform = Unknown
	result.Source = "none"
	span.SetAttributes(attribute.String("platform", string(result.Platform)))
	return result, nil
}

// fromHints maps document platform hints to a Platform.
func fromHints(hints []string) (Platform, bool) {
	seen := map[Platform]bool{}
	for _, h := range hints {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "windows", "win":
			seen[Windows] = true
		case "linux", "unix":
			seen[Linux] = true
		case "macos", "osx", "darwin", "mac":
			seen[MacOS] = true
		}
	}
	switch len(seen) {
	case 0:
		return Unknown, false
	case 1:
		for p := range seen {
			return p, true
		}
	}
	return Multiple, true
}

const fallbackPrompt = `Which operating system does this threat report target? Answer with a JSON object: {"platform": "<windows|linux|macos|multiple|unknown>"}`

func (d *Detector) modelDetect(ctx context.Context, text string) (Platform, error) {
	completion, err := d.gw.Complete(ctx, fallbackPrompt+"\n\n"+text, gateway.CallConfig{Temperature: 0.0})
	if err != nil {
		return Unknown, fmt.Errorf("platform fallback call: %w", err)
	}

	var parsed struct {
		Platform string `json:"platform"`
	}
	if err := modelout.ParseJSON(completion, &parsed); err != nil {
		return Unknown, fmt.Errorf("%w: platform completion: %v", gateway.ErrInvalidResponse, err)
	}

	switch p := Platform(strings.ToLower(parsed.Platform)); p {
	case Windows, Linux, MacOS, Multiple, Unknown:
		return p, nil
	default:
		return Unknown, fmt.Errorf("%w: unrecognized platform %q", gateway.ErrInvalidResponse, parsed.Platform)
	}
}

// Excluded reports whether detection should terminate the workflow: the
// detected platform is concrete and the configured target set does not
// include it. Multiple and unknown never exclude.
func Excluded(detected Platform, targets []string) bool {
	switch detected {
	case Windows, Linux, MacOS:
	default:
		return false
	}
	for _, t := range targets {
		if strings.EqualFold(t, string(detected)) {
			return false
		}
	}
	return true
}
