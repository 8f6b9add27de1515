// Package embeddings provides embedding generation via multiple providers.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/rulesmith/rulesmith/internal/config"
)

var (
	// ErrInvalidConfig indicates an unusable provider configuration.
	ErrInvalidConfig = errors.New("embeddings: invalid config")
	// ErrEmptyInput indicates an empty text or batch.
	ErrEmptyInput = errors.New("embeddings: empty input")
	// ErrEmbeddingFailed wraps provider-level generation failures.
	ErrEmbeddingFailed = errors.New("embeddings: generation failed")
)

// Provider generates embedding vectors for rule sections and queries.
type Provider interface {
	// EmbedDocuments embeds a batch of texts for indexing.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a single lookup text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// New creates an embedding provider from configuration.
func New(cfg config.EmbeddingsConfig) (Provider, error) {
	switch cfg.Provider {
	case "fastembed", "":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "hash":
		return NewHashProvider(0), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (supported: fastembed, hash)", ErrInvalidConfig, cfg.Provider)
	}
}
