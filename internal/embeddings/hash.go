package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension matches the bge-small dimension so hash-built and
// fastembed-built indexes share a shape.
const DefaultHashDimension = 384

// HashProvider is a deterministic feature-hashing embedder: token and
// token-bigram counts hashed into a fixed-width vector, L2-normalized. It
// needs no model download or CGO, which makes it the provider for tests
// and offline runs. Cosine similarity over its vectors reflects lexical
// overlap only.
type HashProvider struct {
	dimension int
}

var _ Provider = (*HashProvider)(nil)

// NewHashProvider creates a HashProvider. A non-positive dimension selects
// DefaultHashDimension.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &HashProvider{dimension: dimension}
}

// EmbedDocuments embeds a batch of texts.
func (p *HashProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.embed(text)
	}
	return vectors, nil
}

// EmbedQuery embeds a single text.
func (p *HashProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	return p.embed(text), nil
}

// Dimension returns the configured vector width.
func (p *HashProvider) Dimension() int { return p.dimension }

// Close is a no-op.
func (p *HashProvider) Close() error { return nil }

func (p *HashProvider) embed(text string) []float32 {
	vector := make([]float32, p.dimension)
	tokens := hashTokenize(text)
	for i, token := range tokens {
		p.bump(vector, token)
		if i+1 < len(tokens) {
			p.bump(vector, token+" "+tokens[i+1])
		}
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= inv
		}
	}
	return vector
}

// bump hashes the token into a bucket with a sign bit so opposing tokens
// can cancel, the usual feature-hashing construction.
func (p *HashProvider) bump(vector []float32, token string) {
	h := fnv.New64a()
	h.Write([]byte(token))
	sum := h.Sum64()
	bucket := int(sum % uint64(p.dimension))
	if sum&(1<<63) != 0 {
		vector[bucket]--
	} else {
		vector[bucket]++
	}
}

func hashTokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
