package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Server      ServerConfig      `koanf:"server"`
	Gateway     GatewayConfig     `koanf:"gateway"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Store       StoreConfig       `koanf:"store"`
	Workflow    WorkflowConfig    `koanf:"workflow"`
}

// LoggingConfig mirrors logging.Config so the config package stays
// dependency-free. The daemon maps it at startup.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DefaultServerAddr is the daemon listen address used when the config sets
// none. rulectl derives its default server URL from it.
const DefaultServerAddr = ":8420"

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	Addr            string   `koanf:"addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// GatewayConfig configures the model gateway used by every model-backed
// stage. Timeout and retry apply per call; the retry here is the transport
// retry, distinct from QA-feedback and validation retries.
type GatewayConfig struct {
	Provider    string   `koanf:"provider"` // "anthropic" or "openai"
	APIKey      Secret   `koanf:"api_key"`
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	Timeout     Duration `koanf:"timeout"`
	MaxRetries  int      `koanf:"max_retries"`
	BaseBackoff Duration `koanf:"base_backoff"`
	RateLimit   float64  `koanf:"rate_limit"` // requests per second
	Burst       int      `koanf:"burst"`
}

// EmbeddingsConfig configures embedding generation.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // "fastembed" or "hash"
	Model    string `koanf:"model"`
	CacheDir string `koanf:"cache_dir"`
}

// VectorStoreConfig configures the rule corpus vector index.
type VectorStoreConfig struct {
	Provider   string `koanf:"provider"` // "chromem" or "qdrant"
	Path       string `koanf:"path"`     // chromem persistence directory
	Host       string `koanf:"host"`     // qdrant gRPC host
	Port       int    `koanf:"port"`     // qdrant gRPC port
	VectorSize int    `koanf:"vector_size"`
	Prefix     string `koanf:"prefix"` // collection name prefix
}

// StoreConfig configures execution/queue/document persistence.
type StoreConfig struct {
	Path string `koanf:"path"` // sqlite database file, ":memory:" for tests
}

// WorkflowConfig is the immutable per-execution configuration. It is passed
// by value into every stage and its Version is recorded on each execution.
type WorkflowConfig struct {
	Filter     FilterConfig     `koanf:"filter"`
	Ranking    RankingConfig    `koanf:"ranking"`
	Platform   PlatformConfig   `koanf:"platform"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Generation GenerationConfig `koanf:"generation"`
	Similarity SimilarityConfig `koanf:"similarity"`
	Engine     EngineConfig     `koanf:"engine"`
}

// FilterConfig configures the content filter.
type FilterConfig struct {
	ChunkSize         int      `koanf:"chunk_size"`
	Overlap           int      `koanf:"overlap"`
	MinConfidence     float64  `koanf:"min_confidence"`
	ProtectedPatterns []string `koanf:"protected_patterns"`
	// Blend of keyword-rule score vs classifier probability. Both exposed
	// because observed deployments disagree on the split.
	KeywordWeight    float64 `koanf:"keyword_weight"`
	ClassifierWeight float64 `koanf:"classifier_weight"`
	ArtifactPath     string  `koanf:"artifact_path"`
}

// RankingConfig configures the relevance ranking stage.
type RankingConfig struct {
	Threshold float64 `koanf:"threshold"` // 0-100
}

// PlatformConfig configures platform detection.
type PlatformConfig struct {
	Targets       []string `koanf:"targets"` // platforms the deployment cares about
	ModelFallback bool     `koanf:"model_fallback"`
}

// ExtractionConfig configures the extraction supervisor.
type ExtractionConfig struct {
	MaxAttempts int  `koanf:"max_attempts"` // QA retry budget per sub-agent
	QAEnabled   bool `koanf:"qa_enabled"`
	Concurrency int  `koanf:"concurrency"` // parallel sub-agent dispatch limit
}

// GenerationConfig configures rule generation.
type GenerationConfig struct {
	MaxAttempts int `koanf:"max_attempts"`
}

// SimilarityConfig configures similarity matching and queue promotion.
type SimilarityConfig struct {
	SignatureWeight    float64 `koanf:"signature_weight"`
	NoveltyThreshold   float64 `koanf:"novelty_threshold"`
	DuplicateThreshold float64 `koanf:"duplicate_threshold"`
	TopK               int     `koanf:"top_k"`
}

// EngineConfig configures the execution driver.
type EngineConfig struct {
	StaleTimeout  Duration `koanf:"stale_timeout"`
	SweepInterval Duration `koanf:"sweep_interval"`
	MaxConcurrent int      `koanf:"max_concurrent"`
}

// applyDefaults fills unset fields with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Gateway.Provider == "" {
		cfg.Gateway.Provider = "anthropic"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = Duration(60 * time.Second)
	}
	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = 3
	}
	if cfg.Gateway.BaseBackoff == 0 {
		cfg.Gateway.BaseBackoff = Duration(time.Second)
	}
	if cfg.Gateway.RateLimit == 0 {
		cfg.Gateway.RateLimit = 50.0 / 60.0
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = 5
	}
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Path == "" {
		cfg.VectorStore.Path = "~/.local/share/rulesmith/index"
	}
	if cfg.VectorStore.Host == "" {
		cfg.VectorStore.Host = "localhost"
	}
	if cfg.VectorStore.Port == 0 {
		cfg.VectorStore.Port = 6334
	}
	if cfg.VectorStore.VectorSize == 0 {
		cfg.VectorStore.VectorSize = 384
	}
	if cfg.VectorStore.Prefix == "" {
		cfg.VectorStore.Prefix = "rulesmith"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.local/share/rulesmith/rulesmith.db"
	}
	applyWorkflowDefaults(&cfg.Workflow)
}

func applyWorkflowDefaults(w *WorkflowConfig) {
	if w.Filter.ChunkSize == 0 {
		w.Filter.ChunkSize = 1200
	}
	if w.Filter.Overlap == 0 {
		w.Filter.Overlap = 200
	}
	if w.Filter.MinConfidence == 0 {
		w.Filter.MinConfidence = 0.5
	}
	if w.Filter.KeywordWeight == 0 && w.Filter.ClassifierWeight == 0 {
		w.Filter.KeywordWeight = 0.3
		w.Filter.ClassifierWeight = 0.7
	}
	if w.Ranking.Threshold == 0 {
		w.Ranking.Threshold = 60
	}
	if len(w.Platform.Targets) == 0 {
		w.Platform.Targets = []string{"windows", "linux", "macos"}
	}
	if w.Extraction.MaxAttempts == 0 {
		w.Extraction.MaxAttempts = 3
	}
	if w.Extraction.Concurrency == 0 {
		w.Extraction.Concurrency = 5
	}
	if w.Generation.MaxAttempts == 0 {
		w.Generation.MaxAttempts = 3
	}
	if w.Similarity.SignatureWeight == 0 {
		w.Similarity.SignatureWeight = 0.87
	}
	if w.Similarity.NoveltyThreshold == 0 {
		w.Similarity.NoveltyThreshold = 0.5
	}
	if w.Similarity.DuplicateThreshold == 0 {
		w.Similarity.DuplicateThreshold = 0.9
	}
	if w.Similarity.TopK == 0 {
		w.Similarity.TopK = 10
	}
	if w.Engine.StaleTimeout == 0 {
		w.Engine.StaleTimeout = Duration(30 * time.Minute)
	}
	if w.Engine.SweepInterval == 0 {
		w.Engine.SweepInterval = Duration(time.Minute)
	}
	if w.Engine.MaxConcurrent == 0 {
		w.Engine.MaxConcurrent = 4
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Gateway.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("gateway.provider must be 'anthropic' or 'openai', got %q", c.Gateway.Provider)
	}
	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("vectorstore.provider must be 'chromem' or 'qdrant', got %q", c.VectorStore.Provider)
	}
	switch c.Embeddings.Provider {
	case "fastembed", "hash":
	default:
		return fmt.Errorf("embeddings.provider must be 'fastembed' or 'hash', got %q", c.Embeddings.Provider)
	}
	return c.Workflow.Validate()
}

// Validate checks the workflow configuration for errors.
func (w *WorkflowConfig) Validate() error {
	if w.Filter.ChunkSize <= 0 {
		return fmt.Errorf("filter.chunk_size must be positive, got %d", w.Filter.ChunkSize)
	}
	if w.Filter.Overlap < 0 || w.Filter.Overlap >= w.Filter.ChunkSize {
		return fmt.Errorf("filter.overlap must be in [0, chunk_size), got %d", w.Filter.Overlap)
	}
	if w.Filter.MinConfidence < 0 || w.Filter.MinConfidence > 1 {
		return fmt.Errorf("filter.min_confidence must be in [0,1], got %v", w.Filter.MinConfidence)
	}
	if w.Filter.KeywordWeight < 0 || w.Filter.ClassifierWeight < 0 {
		return fmt.Errorf("filter blend weights must be non-negative")
	}
	if w.Ranking.Threshold < 0 || w.Ranking.Threshold > 100 {
		return fmt.Errorf("ranking.threshold must be in [0,100], got %v", w.Ranking.Threshold)
	}
	if w.Extraction.MaxAttempts < 1 {
		return fmt.Errorf("extraction.max_attempts must be >= 1, got %d", w.Extraction.MaxAttempts)
	}
	if w.Generation.MaxAttempts < 1 {
		return fmt.Errorf("generation.max_attempts must be >= 1, got %d", w.Generation.MaxAttempts)
	}
	if w.Similarity.SignatureWeight <= 0 || w.Similarity.SignatureWeight >= 1 {
		return fmt.Errorf("similarity.signature_weight must be in (0,1), got %v", w.Similarity.SignatureWeight)
	}
	if w.Similarity.NoveltyThreshold <= 0 || w.Similarity.NoveltyThreshold >= 1 {
		return fmt.Errorf("similarity.novelty_threshold must be in (0,1), got %v", w.Similarity.NoveltyThreshold)
	}
	if w.Similarity.DuplicateThreshold <= w.Similarity.NoveltyThreshold || w.Similarity.DuplicateThreshold > 1 {
		return fmt.Errorf("similarity.duplicate_threshold must be in (novelty_threshold,1], got %v", w.Similarity.DuplicateThreshold)
	}
	if w.Engine.StaleTimeout.Duration() <= 0 {
		return fmt.Errorf("engine.stale_timeout must be positive")
	}
	return nil
}

// Version returns a deterministic short hash of the workflow configuration.
// Recorded on every execution so a run can always be tied back to the exact
// configuration it saw.
func (w WorkflowConfig) Version() string {
	raw, err := json.Marshal(w)
	if err != nil {
		// WorkflowConfig contains only marshalable fields.
		panic(fmt.Sprintf("config: marshal workflow config: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:6])
}
