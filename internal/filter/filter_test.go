package filter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesmith/rulesmith/internal/config"
)

func testArtifact(t *testing.T) *Artifact {
	t.Helper()
	a := &Artifact{
		Version: "clf-test-1",
		Bias:    -1.0,
		Vocabulary: map[string]float64{
			"powershell": 8.0,
			"registry":   6.0,
			"mimikatz":   10.0,
			"weather":    -6.0,
			"recipe":     -6.0,
		},
		Patterns: []PatternWeight{
			{Pattern: `(?i)HKEY_[A-Z_]+`, Weight: 2.0},
			{Pattern: `(?i)cmd\.exe`, Weight: 2.0},
		},
	}
	require.NoError(t, a.compile())
	return a
}

func testFilterConfig() config.FilterConfig {
	return config.FilterConfig{
		ChunkSize:        40,
		Overlap:          10,
		MinConfidence:    0.5,
		KeywordWeight:    0.3,
		ClassifierWeight: 0.7,
	}
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    int
	}{
		{"empty", "", 10, 2, 0},
		{"short single chunk", "abcdef", 10, 2, 1},
		{"exact fit", strings.Repeat("a", 10), 10, 2, 1},
		{"two windows", strings.Repeat("a", 15), 10, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunkText(tt.text, tt.size, tt.overlap)
			assert.Len(t, chunks, tt.want)
		})
	}
}

func TestChunkTextCoversWholeDocumentWithOverlap(t *testing.T) {
	text := strings.Repeat("x", 100)
	chunks := chunkText(text, 30, 10)

	require.NotEmpty(t, chunks)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 100, chunks[len(chunks)-1].End)

	for i := 1; i < len(chunks); i++ {
		// Each window starts one stride after the previous.
		assert.Equal(t, chunks[i-1].Start+20, chunks[i].Start)
	}
}

func TestFilterDeterministic(t *testing.T) {
	f, err := NewWithArtifact(testFilterConfig(), testArtifact(t), nil)
	require.NoError(t, err)

	text := "The actor launched powershell to dump credentials with mimikatz. " +
		"Meanwhile the weather was nice and the recipe called for basil. " +
		"Persistence was achieved via HKEY_LOCAL_MACHINE registry keys."

	first, err := f.Run(context.Background(), text)
	require.NoError(t, err)
	second, err := f.Run(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Equal(t, first.FilteredText, second.FilteredText)
	assert.Equal(t, "clf-test-1", first.ClassifierVersion)
	for _, c := range first.Chunks {
		assert.Equal(t, "clf-test-1", c.ClassifierVersion)
	}
}

func TestFilterDropsIrrelevantKeepsRelevant(t *testing.T) {
	cfg := testFilterConfig()
	cfg.ChunkSize = 200
	cfg.Overlap = 0
	f, err := NewWithArtifact(cfg, testArtifact(t), nil)
	require.NoError(t, err)

	relevant := "powershell mimikatz registry powershell mimikatz"
	irrelevant := "weather recipe weather recipe weather recipe"

	res, err := f.Run(context.Background(), relevant)
	require.NoError(t, err)
	assert.Equal(t, 1, res.KeptChunks)
	assert.Contains(t, res.FilteredText, "mimikatz")

	res, err = f.Run(context.Background(), irrelevant)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DroppedChunks)
	assert.Empty(t, res.FilteredText)
}

func TestProtectedChunkNeverDropped(t *testing.T) {
	cfg := testFilterConfig()
	cfg.ChunkSize = 200
	cfg.Overlap = 0
	cfg.ProtectedPatterns = []string{`(?i)CVE-\d{4}-\d{4,}`}

	f, err := NewWithArtifact(cfg, testArtifact(t), nil)
	require.NoError(t, err)

	// Text the classifier would reject, carrying a protected literal.
	text := "weather recipe weather recipe CVE-2024-38063 weather recipe"
	res, err := f.Run(context.Background(), text)
	require.NoError(t, err)

	require.Len(t, res.Chunks, 1)
	assert.Equal(t, DecisionProtected, res.Chunks[0].Decision)
	assert.True(t, res.Chunks[0].Kept())
	assert.Contains(t, res.FilteredText, "CVE-2024-38063")
}

func TestFilterFailsOpenWithoutArtifact(t *testing.T) {
	cfg := testFilterConfig()
	cfg.ArtifactPath = filepath.Join(t.TempDir(), "missing.json")

	f, err := New(cfg, nil)
	require.NoError(t, err)
	assert.True(t, f.Degraded())

	res, err := f.Run(context.Background(), "anything at all")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "degraded", res.ClassifierVersion)
	assert.Zero(t, res.DroppedChunks)
	assert.Equal(t, "anything at all", res.FilteredText)
}

func TestCorruptArtifactIsFatal(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{{{{"},
		{"missing version", `{"vocabulary":{"a":1}}`},
		{"empty vocabulary", `{"version":"v1","vocabulary":{}}`},
		{"bad pattern", `{"version":"v1","vocabulary":{"a":1},"patterns":[{"pattern":"(","weight":1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg := testFilterConfig()
			cfg.ArtifactPath = path
			_, err := New(cfg, nil)
			assert.ErrorIs(t, err, ErrCorruptArtifact)
		})
	}
}

func TestLoadArtifactRoundTrip(t *testing.T) {
	a := testArtifact(t)
	raw, err := json.Marshal(a)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "artifact.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	loaded, err := LoadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, "clf-test-1", loaded.Version)

	// Scores must agree with the in-memory artifact.
	text := "powershell HKEY_LOCAL_MACHINE"
	assert.InDelta(t, a.Score(text), loaded.Score(text), 1e-12)
}

func TestPatternScore(t *testing.T) {
	a := testArtifact(t)
	assert.Equal(t, 0.0, a.PatternScore("nothing matches here"))
	assert.Equal(t, 0.5, a.PatternScore("spawned cmd.exe /c whoami"))
	assert.Equal(t, 1.0, a.PatternScore("cmd.exe wrote HKEY_CURRENT_USER"))
}
