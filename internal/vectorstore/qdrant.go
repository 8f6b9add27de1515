package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"

	"github.com/rulesmith/rulesmith/internal/logging"
)

var qdrantTracer = otel.Tracer("rulesmith.vectorstore.qdrant")

// QdrantConfig configures the Qdrant-backed index over gRPC.
type QdrantConfig struct {
	// Host is the Qdrant server host. Default: "localhost".
	Host string

	// Port is the Qdrant gRPC port (not the REST port). Default: 6334.
	Port int

	// Prefix is prepended to section collection names. Default: "rules".
	Prefix string

	// VectorSize is the embedding dimension. Required.
	VectorSize int

	// UseTLS enables TLS on the gRPC connection.
	UseTLS bool

	// MaxMessageSize caps gRPC message sizes. Default: 16MB.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Prefix == "" {
		c.Prefix = "rules"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// QdrantIndex is an Index backed by a Qdrant server, one collection per
// rule section.
type QdrantIndex struct {
	client *qdrant.Client
	cfg    QdrantConfig
	logger *logging.Logger
}

var _ Index = (*QdrantIndex)(nil)

// NewQdrantIndex connects to Qdrant and ensures the section collections
// exist.
func NewQdrantIndex(cfg QdrantConfig, logger *logging.Logger) (*QdrantIndex, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, section := range Sections {
		if err := idx.ensureCollection(ctx, section); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return idx, nil
}

func (idx *QdrantIndex) collectionName(section Section) string {
	return fmt.Sprintf("%s_%s", idx.cfg.Prefix, section)
}

func (idx *QdrantIndex) ensureCollection(ctx context.Context, section Section) error {
	name := idx.collectionName(section)
	exists, err := idx.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}
	if exists {
		return nil
	}
	err = idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(idx.cfg.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	return nil
}

// Upsert writes the rule's section vectors, one point per collection, keyed
// by the rule id.
func (idx *QdrantIndex) Upsert(ctx context.Context, ruleID string, vectors SectionVectors, updatedAt time.Time) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("rule_id", ruleID))

	if ruleID == "" {
		return fmt.Errorf("%w: rule id required", ErrInvalidConfig)
	}
	if err := validateVectors(vectors, idx.cfg.VectorSize); err != nil {
		return err
	}

	payload := map[string]*qdrant.Value{
		"rule_id":    {Kind: &qdrant.Value_StringValue{StringValue: ruleID}},
		"updated_at": {Kind: &qdrant.Value_StringValue{StringValue: updatedAt.UTC().Format(time.RFC3339Nano)}},
	}

	for _, section := range Sections {
		vec, ok := vectors[section]
		if !ok {
			// The rule no longer populates this section; clear any prior
			// entry so stale vectors do not keep matching.
			_, err := idx.client.Delete(ctx, &qdrant.DeletePoints{
				CollectionName: idx.collectionName(section),
				Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(ruleID)),
			})
			if err != nil {
				return fmt.Errorf("clearing section %s: %w", section, err)
			}
			continue
		}
		_, err := idx.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: idx.collectionName(section),
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(ruleID),
				Vectors: qdrant.NewVectors(vec...),
				Payload: payload,
			}},
		})
		if err != nil {
			return fmt.Errorf("upserting section %s: %w", section, err)
		}
	}
	return nil
}

// Query runs a per-section similarity search and merges results by rule id.
func (idx *QdrantIndex) Query(ctx context.Context, vectors SectionVectors, topK int) ([]Match, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Query")
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
		points, err := idx.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: idx.collectionName(section),
			Query:          qdrant.NewQuery(vec...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("querying section %s: %w", section, err)
		}
		for _, point := range points {
			ruleID, updatedAt := decodePayload(point.Payload)
			if ruleID == "" {
				continue
			}
			hits[section] = append(hits[section], Match{
				RuleID:        ruleID,
				SectionScores: map[Section]float64{section: float64(point.Score)},
				UpdatedAt:     updatedAt,
			})
		}
	}

	merged := mergeHits(hits)
	span.SetAttributes(attribute.Int("candidates", len(merged)))
	return merged, nil
}

// Close tears down the gRPC connection.
func (idx *QdrantIndex) Close() error {
	return idx.client.Close()
}

func decodePayload(payload map[string]*qdrant.Value) (string, time.Time) {
	var ruleID string
	var updatedAt time.Time
	if v, ok := payload["rule_id"]; ok {
		ruleID = v.GetStringValue()
	}
	if v, ok := payload["updated_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v.GetStringValue()); err == nil {
			updatedAt = t
		}
	}
	return ruleID, updatedAt
}
