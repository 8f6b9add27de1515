package modelout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scored struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name       string
		completion string
		wantScore  float64
		wantErr    bool
	}{
		{
			name:       "strict json",
			completion: `{"score": 85, "reasoning": "detailed TTPs"}`,
			wantScore:  85,
		},
		{
			name:       "fenced json",
			completion: "```json\n{\"score\": 60, \"reasoning\": \"ok\"}\n```",
			wantScore:  60,
		},
		{
			name:       "fence without language tag",
			completion: "```\n{\"score\": 10}\n```",
			wantScore:  10,
		},
		{
			name:       "json embedded in prose",
			completion: "Here is my assessment:\n{\"score\": 42, \"reasoning\": \"some {braces} in text\"}\nHope that helps!",
			wantScore:  42,
		},
		{
			name:       "braces inside strings",
			completion: `prefix {"score": 7, "reasoning": "uses \"quotes\" and { unbalanced"} suffix`,
			wantScore:  7,
		},
		{
			name:       "empty",
			completion: "   ",
			wantErr:    true,
		},
		{
			name:       "no json at all",
			completion: "I cannot answer that.",
			wantErr:    true,
		},
		{
			name:       "unbalanced",
			completion: `{"score": 1, "reasoning": "truncated`,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got scored
			err := ParseJSON(tt.completion, &got)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, got.Score)
		})
	}
}

func TestParseJSONArray(t *testing.T) {
	var got []string
	err := ParseJSON("The observables are:\n[\"cmd.exe /c\", \"whoami\"]", &got)
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd.exe /c", "whoami"}, got)
}
