package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStep(t *testing.T) {
	tests := []struct {
		step Step
		next Step
		ok   bool
	}{
		{StepFilter, StepRank, true},
		{StepRank, StepPlatformDetect, true},
		{StepPlatformDetect, StepExtract, true},
		{StepExtract, StepGenerate, true},
		{StepGenerate, StepSimilarity, true},
		{StepSimilarity, StepPromote, true},
		{StepPromote, "", false},
		{Step("bogus"), "", false},
	}
	for _, tt := range tests {
		next, ok := NextStep(tt.step)
		assert.Equal(t, tt.ok, ok, "step %s", tt.step)
		assert.Equal(t, tt.next, next, "step %s", tt.step)
	}
}

func TestValidStep(t *testing.T) {
	for _, s := range Steps() {
		assert.True(t, ValidStep(s))
	}
	assert.False(t, ValidStep("ingest"))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestExecutionResult(t *testing.T) {
	ex := &Execution{StepResults: map[Step]json.RawMessage{
		StepRank: json.RawMessage(`{"score": 73.5}`),
	}}

	var out struct {
		Score float64 `json:"score"`
	}
	require.NoError(t, ex.Result(StepRank, &out))
	assert.Equal(t, 73.5, out.Score)
	assert.True(t, ex.HasResult(StepRank))

	err := ex.Result(StepExtract, &out)
	assert.ErrorIs(t, err, ErrNoStepResult)
	assert.False(t, ex.HasResult(StepExtract))
}
