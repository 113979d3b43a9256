package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 512, cfg.Chunking.Size)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	assert.True(t, cfg.Chunking.SplitOversized)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 6334, cfg.Storage.Qdrant.Port)
	assert.Equal(t, "document_chunks", cfg.Storage.Qdrant.Collection)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, "gpt-4o", cfg.Answer.Model)
	assert.Equal(t, 0.1, cfg.Answer.Temperature)
	assert.Equal(t, 0.3, cfg.Retrieval.Threshold)
	assert.Equal(t, 5, cfg.Retrieval.DefaultK)
	assert.Equal(t, 30*time.Second, cfg.Retrieval.QueryTimeout)

	// Only the missing API key keeps the defaults from validating.
	cfg.OpenAIAPIKey = "sk-test"
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(mapLookup(map[string]string{
		"CHUNK_SIZE":           "256",
		"CHUNK_OVERLAP":        "32",
		"SPLIT_OVERSIZED":      "false",
		"STORAGE_BACKEND":      "qdrant",
		"QDRANT_PORT":          "7000",
		"EMBEDDING_PROVIDER":   "hash",
		"SIMILARITY_THRESHOLD": "0.5",
		"QUERY_TIMEOUT":        "5s",
		"SERVER_MODE":          "true",
		"INGEST_ROOT":          "/srv/manuals",
		"OPENAI_API_KEY":       "sk-env",
		"GITHUB_TOKEN":         "",
	}))
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Chunking.Size)
	assert.Equal(t, 32, cfg.Chunking.Overlap)
	assert.False(t, cfg.Chunking.SplitOversized)
	assert.Equal(t, BackendQdrant, cfg.Storage.Backend)
	assert.Equal(t, 7000, cfg.Storage.Qdrant.Port)
	assert.Equal(t, ProviderHash, cfg.Embedding.Provider)
	assert.Equal(t, 0.5, cfg.Retrieval.Threshold)
	assert.Equal(t, 5*time.Second, cfg.Retrieval.QueryTimeout)
	assert.True(t, cfg.Server.HTTP)
	assert.Equal(t, "/srv/manuals", cfg.Server.IngestRoot)
	assert.Equal(t, "sk-env", cfg.OpenAIAPIKey)
	assert.Empty(t, cfg.GitHubToken)
}

func TestApplyEnv_Malformed(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(mapLookup(map[string]string{
		"CHUNK_SIZE":    "large",
		"QUERY_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "CHUNK_SIZE")
	assert.Contains(t, err.Error(), "QUERY_TIMEOUT")
	assert.Equal(t, 512, cfg.Chunking.Size)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"zero chunk size", func(c *Config) { c.Chunking.Size = 0 }, "chunking.size"},
		{"overlap equals size", func(c *Config) { c.Chunking.Overlap = c.Chunking.Size }, "chunking.overlap"},
		{"negative overlap", func(c *Config) { c.Chunking.Overlap = -1 }, "chunking.overlap"},
		{"threshold above one", func(c *Config) { c.Retrieval.Threshold = 1.5 }, "retrieval.similarity_threshold"},
		{"negative threshold", func(c *Config) { c.Retrieval.Threshold = -0.1 }, "retrieval.similarity_threshold"},
		{"temperature above one", func(c *Config) { c.Answer.Temperature = 1.2 }, "answer.temperature"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }, "storage.backend"},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "cohere" }, "embedding.provider"},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }, "embedding.dimension"},
		{"missing api key", func(c *Config) { c.OpenAIAPIKey = "" }, "OPENAI_API_KEY"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"sqlite without path", func(c *Config) { c.Storage.SQLitePath = "" }, "storage.sqlite_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.OpenAIAPIKey = "sk-test"
			tt.modify(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidate_HashProviderNeedsNoKey(t *testing.T) {
	cfg := Default()
	cfg.Embedding.Provider = ProviderHash
	cfg.Storage.Backend = BackendMemory

	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chunking:
  size: 300
  overlap: 30
storage:
  backend: bolt
  bolt_path: /tmp/chunks.bolt
embedding:
  provider: hash
  dimension: 256
retrieval:
  default_k: 8
  query_timeout: 10s
`), 0o600))

	t.Setenv("CHUNK_OVERLAP", "40")
	t.Setenv("STORAGE_BACKEND", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Chunking.Size)
	assert.Equal(t, 40, cfg.Chunking.Overlap)
	assert.Equal(t, BackendBolt, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/chunks.bolt", cfg.Storage.BoltPath)
	assert.Equal(t, 256, cfg.Embedding.Dimension)
	assert.Equal(t, 8, cfg.Retrieval.DefaultK)
	assert.Equal(t, 10*time.Second, cfg.Retrieval.QueryTimeout)
	// Unset keys keep their defaults.
	assert.Equal(t, "gpt-4o", cfg.Answer.Model)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunking: [not, a, map]"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}
