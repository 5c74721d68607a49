package lexrag

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/lexrag/analysis"
	"github.com/brunobiangulo/lexrag/chunker"
	"github.com/brunobiangulo/lexrag/embedding"
	"github.com/brunobiangulo/lexrag/enrich"
	"github.com/brunobiangulo/lexrag/llm"
	"github.com/brunobiangulo/lexrag/parser"
	"github.com/brunobiangulo/lexrag/resilience"
	"github.com/brunobiangulo/lexrag/retrieval"
)

// Config holds all configuration for the lexrag engine. It is read once at
// construction; changing it afterwards has no effect.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.lexrag/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set: "home" (default) uses ~/.lexrag/, "local"
	// uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers. Vision is optional and enables the OCR engine.
	Chat      llm.Config `json:"chat" yaml:"chat"`
	Embedding llm.Config `json:"embedding" yaml:"embedding"`
	Vision    llm.Config `json:"vision" yaml:"vision"`

	// EmbeddingDim must match the embedding model.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	Parser    parser.Config    `json:"parser" yaml:"parser"`
	Chunking  chunker.Config   `json:"chunking" yaml:"chunking"`
	Embedder  embedding.Config `json:"embedder" yaml:"embedder"`
	Retrieval retrieval.Config `json:"retrieval" yaml:"retrieval"`
	Analysis  analysis.Config  `json:"analysis" yaml:"analysis"`
	Enrich    enrich.Config    `json:"enrich" yaml:"enrich"`

	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`

	// LLMRerank grades the hybrid top-K with the chat model instead of the
	// lexical overlap scorer.
	LLMRerank bool `json:"llm_rerank" yaml:"llm_rerank"`

	// Worker pool for asynchronous ingestion.
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// MaintenanceSchedule is a cron spec for re-queueing stuck documents
	// and retrying missing vectors. Empty disables the job.
	MaintenanceSchedule string `json:"maintenance_schedule" yaml:"maintenance_schedule"`

	// RedisURL adds a shared analysis cache behind the in-memory one.
	RedisURL string `json:"redis_url" yaml:"redis_url"`

	// SearchLog records executed searches for suggestions and trending
	// queries. The maintenance job drops entries older than
	// SearchLogRetention; zero keeps them.
	SearchLog          bool          `json:"search_log" yaml:"search_log"`
	SearchLogRetention time.Duration `json:"search_log_retention" yaml:"search_log_retention"`
}

// ResilienceConfig configures the retry policies and breakers wrapped
// around provider calls. Chat and embedding calls get separate breakers.
type ResilienceConfig struct {
	Chat    resilience.Policy        `json:"chat" yaml:"chat"`
	Embed   resilience.Policy        `json:"embed" yaml:"embed"`
	Breaker resilience.BreakerConfig `json:"breaker" yaml:"breaker"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.lexrag/lexrag.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "lexrag",
		StorageDir: "home",
		Chat: llm.Config{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: llm.Config{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim: 768,
		Parser:       parser.DefaultConfig(),
		Chunking:     chunker.DefaultConfig(),
		Embedder:     embedding.DefaultConfig(),
		Retrieval:    retrieval.DefaultConfig(),
		Analysis:     analysis.DefaultConfig(),
		Enrich:       enrich.DefaultConfig(),
		Resilience: ResilienceConfig{
			Chat:    resilience.DefaultPolicy("chat"),
			Embed:   resilience.DefaultPolicy("embed"),
			Breaker: resilience.DefaultBreakerConfig(),
		},
		Workers:             4,
		QueueSize:           64,
		MaintenanceSchedule: "@every 10m",
		SearchLog:           true,
		SearchLogRetention:  90 * 24 * time.Hour,
	}
}

// LoadConfig reads a YAML file over DefaultConfig, so omitted keys keep
// their defaults, then applies LEXRAG_* environment overrides. A missing
// file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from LEXRAG_* variables and fills missing API
// keys from the provider's conventional variable.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"LEXRAG_DB_PATH":              &c.DBPath,
		"LEXRAG_CHAT_PROVIDER":        &c.Chat.Provider,
		"LEXRAG_CHAT_MODEL":           &c.Chat.Model,
		"LEXRAG_CHAT_BASE_URL":        &c.Chat.BaseURL,
		"LEXRAG_CHAT_API_KEY":         &c.Chat.APIKey,
		"LEXRAG_EMBED_PROVIDER":       &c.Embedding.Provider,
		"LEXRAG_EMBED_MODEL":          &c.Embedding.Model,
		"LEXRAG_EMBED_BASE_URL":       &c.Embedding.BaseURL,
		"LEXRAG_EMBED_API_KEY":        &c.Embedding.APIKey,
		"LEXRAG_VISION_PROVIDER":      &c.Vision.Provider,
		"LEXRAG_VISION_MODEL":         &c.Vision.Model,
		"LEXRAG_REDIS_URL":            &c.RedisURL,
		"LEXRAG_MAINTENANCE_SCHEDULE": &c.MaintenanceSchedule,
	}
	for k, p := range str {
		if v, ok := os.LookupEnv(k); ok {
			*p = v
		}
	}
	ints := map[string]*int{
		"LEXRAG_EMBEDDING_DIM": &c.EmbeddingDim,
		"LEXRAG_WORKERS":       &c.Workers,
		"LEXRAG_QUEUE_SIZE":    &c.QueueSize,
		"LEXRAG_CHUNK_SIZE":    &c.Chunking.ChunkSize,
		"LEXRAG_CHUNK_OVERLAP": &c.Chunking.ChunkOverlap,
	}
	for k, p := range ints {
		v, ok := os.LookupEnv(k)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, k, v)
		}
		*p = n
	}

	for _, lc := range []*llm.Config{&c.Chat, &c.Embedding, &c.Vision} {
		if lc.APIKey == "" {
			if name := providerKeyEnv[lc.Provider]; name != "" {
				lc.APIKey = os.Getenv(name)
			}
		}
	}
	if key := os.Getenv("LLAMA_CLOUD_API_KEY"); key != "" && c.Parser.LlamaParse == nil {
		c.Parser.LlamaParse = &parser.LlamaParseConfig{APIKey: key}
	}
	return nil
}

var providerKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"groq":       "GROQ_API_KEY",
	"xai":        "XAI_API_KEY",
	"gemini":     "GEMINI_API_KEY",
}

// Validate reports configuration errors wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []string
	if c.Chat.Provider == "" {
		errs = append(errs, "chat.provider is required")
	}
	if c.Embedding.Provider == "" {
		errs = append(errs, "embedding.provider is required")
	}
	if c.EmbeddingDim <= 0 {
		errs = append(errs, "embedding_dim must be positive")
	}
	if c.Chunking.ChunkSize <= 0 {
		errs = append(errs, "chunking.chunk_size must be positive")
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		errs = append(errs, "chunking.chunk_overlap must be in [0, chunk_size)")
	}
	if c.Workers < 0 || c.QueueSize < 0 {
		errs = append(errs, "workers and queue_size must not be negative")
	}
	if c.Retrieval.SimilarityThreshold < -1 || c.Retrieval.SimilarityThreshold > 1 {
		errs = append(errs, "retrieval.similarity_threshold must be in [-1, 1]")
	}
	w := c.Analysis.Weights
	if w.Retrieval < 0 || w.Certainty < 0 || w.CitationAccuracy < 0 {
		errs = append(errs, "analysis.weights must not be negative")
	}
	if c.SearchLogRetention < 0 {
		errs = append(errs, "search_log_retention must not be negative")
	}
	if c.MaintenanceSchedule != "" {
		if _, err := cronParser.Parse(c.MaintenanceSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("maintenance_schedule: %v", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// cronParser accepts five-field specs and descriptors such as @every.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "lexrag"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db"
		}
		return filepath.Join(home, ".lexrag", name+".db")
	}
}
