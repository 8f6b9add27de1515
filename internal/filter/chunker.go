package filter

// Chunk is a fixed-size, overlapping slice of document text, the unit of
// relevance filtering. Offsets are rune indices into the document text.
type Chunk struct {
	Start             int      `json:"start"`
	End               int      `json:"end"`
	Text              string   `json:"-"`
	Decision          Decision `json:"decision"`
	Confidence        float64  `json:"confidence"`
	ClassifierVersion string   `json:"classifier_version"`
}

// Decision is the relevance label assigned to a chunk.
type Decision string

const (
	// DecisionKeep means the classifier scored the chunk relevant.
	DecisionKeep Decision = "keep"
	// DecisionDrop means the classifier scored the chunk irrelevant.
	DecisionDrop Decision = "drop"
	// DecisionProtected means a protected literal pattern matched; the
	// chunk is kept regardless of classifier output.
	DecisionProtected Decision = "protected"
)

// Kept reports whether the chunk survives filtering.
func (c Chunk) Kept() bool {
	return c.Decision == DecisionKeep || c.Decision == DecisionProtected
}

// chunkText slides a fixed-size window with overlap over text and returns
// the raw chunks. The final window is shortened to the text end; stride is
// size-overlap.
func chunkText(text string, size, overlap int) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if size >= len(runes) {
		return []Chunk{{Start: 0, End: len(runes), Text: text}}
	}

	stride := size - overlap
	chunks := make([]Chunk, 0, len(runes)/stride+1)
	for start := 0; start < len(runes); start += stride {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Start: start,
			End:   end,
			Text:  string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}
