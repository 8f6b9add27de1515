package extract

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/gateway"
)

// fakeGateway routes completions through a handler func and records calls.
type fakeGateway struct {
	mu      sync.Mutex
	handler func(prompt string, cfg gateway.CallConfig) (string, error)
	prompts []string
}

func (f *fakeGateway) Complete(_ context.Context, prompt string, cfg gateway.CallConfig) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.handler(prompt, cfg)
}

func isReview(cfg gateway.CallConfig) bool {
	return cfg.System == reviewSystemPrompt
}

func testExtractionConfig(qa bool) config.ExtractionConfig {
	return config.ExtractionConfig{MaxAttempts: 3, QAEnabled: qa, Concurrency: 5}
}

func newSupervisor(t *testing.T, gw gateway.Gateway, qa bool) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(gw, testExtractionConfig(qa), nil)
	require.NoError(t, err)
	return s
}

func TestRunMergesInRosterOrder(t *testing.T) {
	gw := &fakeGateway{handler: func(prompt string, cfg gateway.CallConfig) (string, error) {
		switch {
		case strings.Contains(prompt, "command lines"):
			return `[{"value":"cmd.exe /c whoami","source_ref":"ran cmd.exe","confidence":0.9}]`, nil
		case strings.Contains(prompt, "registry operations"):
			return `[{"value":"HKLM\\Software\\Run\\evil","source_ref":"persistence key","confidence":0.8}]`, nil
		default:
			return `[]`, nil
		}
	}}

	result, err := newSupervisor(t, gw, false).Run(context.Background(), "text", "windows")
	require.NoError(t, err)

	require.Len(t, result.Agents, 5)
	wantOrder := []string{"command-line", "query-fragment", "event-id", "process-lineage", "registry-operation"}
	for i, agent := range result.Agents {
		assert.Equal(t, wantOrder[i], agent.Agent)
		assert.Equal(t, StateDone, agent.State)
	}

	require.Len(t, result.Aggregate[CommandLine], 1)
	assert.Equal(t, "cmd.exe /c whoami", result.Aggregate[CommandLine][0].Value)
	require.Len(t, result.Aggregate[RegistryOperation], 1)
	assert.Empty(t, result.Aggregate[EventID])
	assert.Equal(t, 2, result.Total())
}

func TestRunSingleAgentFailureIsContained(t *testing.T) {
	gw := &fakeGateway{handler: func(prompt string, cfg gateway.CallConfig) (string, error) {
		if strings.Contains(prompt, "command lines") {
			return "", gateway.ErrUnavailable
		}
		return `[{"value":"4688","source_ref":"event id 4688","confidence":0.7}]`, nil
	}}

	result, err := newSupervisor(t, gw, false).Run(context.Background(), "text", "windows")
	require.NoError(t, err)

	assert.Equal(t, StateFailed, result.Agents[0].State)
	assert.Empty(t, result.Aggregate[CommandLine])
	assert.NotEmpty(t, result.Warnings)
	// Other types still produced output.
	assert.NotEmpty(t, result.Aggregate[EventID])
}

func TestRunAllAgentsFailed(t *testing.T) {
	gw := &fakeGateway{handler: func(prompt string, cfg gateway.CallConfig) (string, error) {
		return "", gateway.ErrUnavailable
	}}

	result, err := newSupervisor(t, gw, false).Run(context.Background(), "text", "linux")
	assert.ErrorIs(t, err, ErrAllAgentsFailed)
	require.NotNil(t, result)
	assert.Zero(t, result.Total())
	assert.Len(t, result.Warnings, 5)
}

func TestQAAlwaysRejectExhaustsExactly(t *testing.T) {
	roster := []AgentSpec{{
		Name: "command-line", Type: CommandLine, QAEnabled: true,
		Prompt: "Extract command lines." + promptSuffix,
	}}

	generations := 0
	gw := &fakeGateway{}
	gw.handler = func(prompt string, cfg gateway.CallConfig) (string, error) {
		if isReview(cfg) {
			return `{"verdict":"reject","feedback":"values are not in the source"}`, nil
		}
		generations++
		return `[{"value":"cmd.exe /c ping","source_ref":"x","confidence":0.5}]`, nil
	}

	s, err := NewSupervisorWithRoster(gw, testExtractionConfig(true), roster, nil)
	require.NoError(t, err)

	result, runErr := s.Run(context.Background(), "text", "windows")
	require.NoError(t, runErr)

	agent := result.Agents[0]
	assert.Equal(t, StateDone, agent.State)
	assert.True(t, agent.QAExhausted)
	assert.Equal(t, 3, agent.Attempts)
	assert.Equal(t, 3, generations)
	// Best-so-far still accepted.
	require.Len(t, agent.Observables, 1)
}

func TestQARejectFeedbackFlowsIntoRetry(t *testing.T) {
	roster := []AgentSpec{{
		Name: "command-line", Type: CommandLine, QAEnabled: true,
		Prompt: "Extract command lines.{{FEEDBACK}}" + promptSuffix,
	}}

	attempt := 0
	gw := &fakeGateway{}
	gw.handler = func(prompt string, cfg gateway.CallConfig) (string, error) {
		if isReview(cfg) {
			if attempt == 1 {
				return `{"verdict":"reject","feedback":"include the full argument string"}`, nil
			}
			return `{"verdict":"accept"}`, nil
		}
		attempt++
		return `[{"value":"cmd.exe /c whoami /all","source_ref":"x","confidence":0.9}]`, nil
	}

	s, err := NewSupervisorWithRoster(gw, testExtractionConfig(true), roster, nil)
	require.NoError(t, err)

	result, runErr := s.Run(context.Background(), "text", "windows")
	require.NoError(t, runErr)

	agent := result.Agents[0]
	assert.Equal(t, StateDone, agent.State)
	assert.False(t, agent.QAExhausted)
	assert.Equal(t, 2, agent.Attempts)

	// The second generation prompt must carry the reviewer feedback.
	var secondGen string
	genSeen := 0
	for _, p := range gw.prompts {
		if strings.Contains(p, "Extract command lines.") {
			genSeen++
			if genSeen == 2 {
				secondGen = p
			}
		}
	}
	require.NotEmpty(t, secondGen)
	assert.Contains(t, secondGen, "include the full argument string")
}

func TestQAReviewFailureDegradesToAccept(t *testing.T) {
	roster := []AgentSpec{{
		Name: "event-id", Type: EventID, QAEnabled: true,
		Prompt: "Extract event ids." + promptSuffix,
	}}

	gw := &fakeGateway{}
	gw.handler = func(prompt string, cfg gateway.CallConfig) (string, error) {
		if isReview(cfg) {
			return "", gateway.ErrUnavailable
		}
		return `[{"value":"4104","source_ref":"script block logging","confidence":0.8}]`, nil
	}

	s, err := NewSupervisorWithRoster(gw, testExtractionConfig(true), roster, nil)
	require.NoError(t, err)

	result, runErr := s.Run(context.Background(), "text", "windows")
	require.NoError(t, runErr)

	agent := result.Agents[0]
	assert.Equal(t, StateDone, agent.State)
	require.Len(t, agent.Observables, 1)
	assert.Contains(t, agent.Warning, "qa review unavailable")
}

func TestUnparseableGenerationRetriedWithFeedback(t *testing.T) {
	roster := []AgentSpec{{
		Name: "query-fragment", Type: QueryFragment, QAEnabled: false,
		Prompt: "Extract query fragments.{{FEEDBACK}}" + promptSuffix,
	}}

	calls := 0
	gw := &fakeGateway{}
	gw.handler = func(prompt string, cfg gateway.CallConfig) (string, error) {
		calls++
		if calls == 1 {
			return "sorry, here are some thoughts instead", nil
		}
		return `[{"value":"\\\\pipe\\\\evil","source_ref":"named pipe","confidence":0.6}]`, nil
	}

	s, err := NewSupervisorWithRoster(gw, testExtractionConfig(false), roster, nil)
	require.NoError(t, err)

	result, runErr := s.Run(context.Background(), "text", "windows")
	require.NoError(t, runErr)

	agent := result.Agents[0]
	assert.Equal(t, StateDone, agent.State)
	assert.Equal(t, 2, agent.Attempts)
	require.Len(t, agent.Observables, 1)
	assert.Contains(t, gw.prompts[1], "not valid JSON")
}

// With QA off, exhausting every attempt on unparseable output is a parse
// failure, not a QA exhaustion.
func TestUnparseableEveryAttemptWithoutQA(t *testing.T) {
	roster := []AgentSpec{{
		Name: "query-fragment", Type: QueryFragment, QAEnabled: false,
		Prompt: "Extract query fragments.{{FEEDBACK}}" + promptSuffix,
	}}

	gw := &fakeGateway{}
	gw.handler = func(prompt string, cfg gateway.CallConfig) (string, error) {
		return "still just prose, no JSON", nil
	}

	s, err := NewSupervisorWithRoster(gw, testExtractionConfig(false), roster, nil)
	require.NoError(t, err)

	result, runErr := s.Run(context.Background(), "text", "windows")
	require.NoError(t, runErr)

	agent := result.Agents[0]
	assert.Equal(t, StateDone, agent.State)
	assert.Equal(t, 3, agent.Attempts)
	assert.Empty(t, agent.Observables)
	assert.False(t, agent.QAExhausted, "no QA ran, so nothing QA-related was exhausted")
	assert.Contains(t, agent.Warning, "no parseable output")
}

func TestTranscriptRetainedVerbatim(t *testing.T) {
	gw := &fakeGateway{handler: func(prompt string, cfg gateway.CallConfig) (string, error) {
		return `[]`, nil
	}}

	result, err := newSupervisor(t, gw, false).Run(context.Background(), "text", "linux")
	require.NoError(t, err)

	for _, agent := range result.Agents {
		require.Len(t, agent.Transcript, 1)
		assert.Equal(t, "generate", agent.Transcript[0].Kind)
		assert.NotEmpty(t, agent.Transcript[0].Prompt)
		assert.Equal(t, "[]", agent.Transcript[0].Response)
	}
}

func TestDedupe(t *testing.T) {
	in := []Observable{
		{Value: "a"}, {Value: "b"}, {Value: "a"}, {Value: "c"}, {Value: "b"},
	}
	out := dedupe(in)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Value)
	assert.Equal(t, "b", out[1].Value)
	assert.Equal(t, "c", out[2].Value)
}

func TestValidateRoster(t *testing.T) {
	assert.Error(t, validateRoster(nil))
	assert.Error(t, validateRoster([]AgentSpec{{Name: "", Prompt: "p"}}))
	assert.Error(t, validateRoster([]AgentSpec{
		{Name: "a", Prompt: "p"}, {Name: "a", Prompt: "p"},
	}))
	assert.NoError(t, validateRoster(DefaultRoster(true)))
}
