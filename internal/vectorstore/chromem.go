package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rulesmith/rulesmith/internal/logging"
)

var chromemTracer = otel.Tracer("rulesmith.vectorstore.chromem")

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the persistence directory.
	// Default: ~/.config/rulesmith/vectorstore
	Path string

	// Prefix is prepended to section collection names. Default: "rules".
	Prefix string

	// VectorSize is the expected embedding dimension; 0 skips the check.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/rulesmith/vectorstore"
	}
	if c.Prefix == "" {
		c.Prefix = "rules"
	}
}

// ChromemIndex is an embedded, persistent Index: one chromem collection per
// rule section, vectors always precomputed by the caller.
type ChromemIndex struct {
	db     *chromem.DB
	cfg    ChromemConfig
	logger *logging.Logger

	mu          sync.Mutex
	collections map[Section]*chromem.Collection
}

var _ Index = (*ChromemIndex)(nil)

// NewChromemIndex opens (or creates) the persistent index.
func NewChromemIndex(cfg ChromemConfig, logger *logging.Logger) (*ChromemIndex, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	path, err := expandHome(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db: %w", err)
	}

	idx := &ChromemIndex{
		db:          db,
		cfg:         cfg,
		logger:      logger,
		collections: make(map[Section]*chromem.Collection, len(Sections)),
	}
	for _, section := range Sections {
		if _, err := idx.collection(section); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (idx *ChromemIndex) collection(section Section) (*chromem.Collection, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if col, ok := idx.collections[section]; ok {
		return col, nil
	}
	name := fmt.Sprintf("%s_%s", idx.cfg.Prefix, section)
	col, err := idx.db.GetOrCreateCollection(name, nil, rejectServerSideEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", name, err)
	}
	idx.collections[section] = col
	return col, nil
}

// rejectServerSideEmbedding guards against documents arriving without a
// precomputed vector.
func rejectServerSideEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("vectorstore: embeddings must be precomputed")
}

// Upsert indexes the rule's section vectors, replacing any prior entry.
func (idx *ChromemIndex) Upsert(ctx context.Context, ruleID string, vectors SectionVectors, updatedAt time.Time) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("rule_id", ruleID))

	if ruleID == "" {
		return fmt.Errorf("%w: rule id required", ErrInvalidConfig)
	}
	if err := validateVectors(vectors, idx.cfg.VectorSize); err != nil {
		return err
	}

	for _, section := range Sections {
		col, err := idx.collection(section)
		if err != nil {
			return err
		}
		// chromem has no native upsert; drop any existing entry first. A
		// section the rule no longer populates stays deleted.
		_ = col.Delete(ctx, nil, nil, ruleID)
		vec, ok := vectors[section]
		if !ok {
			continue
		}
		err = col.AddDocuments(ctx, []chromem.Document{{
			ID:        ruleID,
			Embedding: vec,
			Content:   ruleID,
			Metadata:  map[string]string{"updated_at": updatedAt.UTC().Format(time.RFC3339Nano)},
		}}, 1)
		if err != nil {
			return fmt.Errorf("indexing section %s: %w", section, err)
		}
	}

	idx.logger.Debug(ctx, "rule indexed", zap.String("rule_id", ruleID))
	return nil
}

// Query looks up the top-k neighbors per section and merges them by rule id.
func (idx *ChromemIndex) Query(ctx context.Context, vectors SectionVectors, topK int) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Query")
	defer span.End()

	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive", ErrInvalidConfig)
	}
	if err := validateVectors(vectors, idx.cfg.VectorSize); err != nil {
		return nil, err
	}

	hits := make(map[Section][]Match, len(Sections))
	for _, section := range Sections {
		vec, ok := vectors[section]
		if !ok {
			continue
		}
		col, err := idx.collection(section)
		if err != nil {
			return nil, err
		}
		n := topK
		if count := col.Count(); count < n {
			n = count
		}
		if n == 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, vec, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("querying section %s: %w", section, err)
		}
		for _, res := range results {
			hits[section] = append(hits[section], Match{
				RuleID:        res.ID,
				SectionScores: map[Section]float64{section: float64(res.Similarity)},
				UpdatedAt:     parseUpdatedAt(res.Metadata),
			})
		}
	}

	merged := mergeHits(hits)
	span.SetAttributes(attribute.Int("candidates", len(merged)))
	return merged, nil
}

// Close is a no-op; chromem persists on write.
func (idx *ChromemIndex) Close() error { return nil }

func parseUpdatedAt(metadata map[string]string) time.Time {
	if metadata == nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, metadata["updated_at"])
	if err != nil {
		return time.Time{}
	}
	return t
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
