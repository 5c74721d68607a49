package lexrag

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 768, cfg.EmbeddingDim)
	assert.Equal(t, "@every 10m", cfg.MaintenanceSchedule)
	assert.True(t, cfg.SearchLog)
	assert.Equal(t, 90*24*time.Hour, cfg.SearchLogRetention)
}

func TestLoadConfigYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /tmp/legal.db
embedding_dim: 1536
chat:
  provider: openai
  model: gpt-4o-mini
chunking:
  chunk_size: 500
  chunk_overlap: 50
workers: 8
`), 0o644))

	t.Setenv("LEXRAG_WORKERS", "2")
	t.Setenv("LEXRAG_CHAT_MODEL", "gpt-4o")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/legal.db", cfg.DBPath)
	assert.Equal(t, 1536, cfg.EmbeddingDim)
	assert.Equal(t, "openai", cfg.Chat.Provider)
	assert.Equal(t, "gpt-4o", cfg.Chat.Model)
	assert.Equal(t, "sk-test", cfg.Chat.APIKey)
	assert.Equal(t, 500, cfg.Chunking.ChunkSize)
	assert.Equal(t, 2, cfg.Workers)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 64, cfg.QueueSize)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Chat, cfg.Chat)
}

func TestLoadConfigBadEnv(t *testing.T) {
	t.Setenv("LEXRAG_WORKERS", "many")
	_, err := LoadConfig("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no chat provider", func(c *Config) { c.Chat.Provider = "" }, "chat.provider"},
		{"zero dim", func(c *Config) { c.EmbeddingDim = 0 }, "embedding_dim"},
		{"overlap too large", func(c *Config) { c.Chunking.ChunkOverlap = c.Chunking.ChunkSize }, "chunk_overlap"},
		{"threshold out of range", func(c *Config) { c.Retrieval.SimilarityThreshold = 2 }, "similarity_threshold"},
		{"negative weight", func(c *Config) { c.Analysis.Weights.Certainty = -1 }, "weights"},
		{"bad schedule", func(c *Config) { c.MaintenanceSchedule = "every now and then" }, "maintenance_schedule"},
		{"negative retention", func(c *Config) { c.SearchLogRetention = -time.Hour }, "search_log_retention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolveDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = "/data/x.db"
	assert.Equal(t, "/data/x.db", cfg.resolveDBPath())

	cfg.DBPath = ""
	cfg.StorageDir = "local"
	cfg.DBName = "cases"
	assert.Equal(t, "cases.db", filepath.Base(cfg.resolveDBPath()))
}
