// Package config loads application settings from defaults, an optional YAML file and the
// environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendQdrant = "qdrant"
)

// Embedding providers.
const (
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
)

// ErrInvalidConfig is wrapped by every ValidationError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError reports a bad setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }

type ChunkingConfig struct {
	Size           int  `yaml:"size"`
	Overlap        int  `yaml:"overlap"`
	SplitOversized bool `yaml:"split_oversized"`
}

type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
}

type StorageConfig struct {
	Backend    string       `yaml:"backend"`
	SQLitePath string       `yaml:"sqlite_path"`
	BoltPath   string       `yaml:"bolt_path"`
	Qdrant     QdrantConfig `yaml:"qdrant"`
}

type EmbeddingConfig struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	Dimension   int    `yaml:"dimension"`
	BatchSize   int    `yaml:"batch_size"`
	Concurrency int    `yaml:"concurrency"`
}

type AnswerConfig struct {
	Model            string  `yaml:"model"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	MaxContextTokens int     `yaml:"max_context_tokens"`
}

type RetrievalConfig struct {
	DefaultK     int           `yaml:"default_k"`
	Threshold    float64       `yaml:"similarity_threshold"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	HTTP bool   `yaml:"http"` // Serve MCP over HTTP instead of stdio
	// IngestRoot confines the ingest_file tool to one directory tree. Empty means any path.
	IngestRoot string `yaml:"ingest_root"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root application configuration.
type Config struct {
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Answer    AnswerConfig    `yaml:"answer"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`

	// Secrets are only read from the environment.
	OpenAIAPIKey string `yaml:"-"`
	GitHubToken  string `yaml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Chunking: ChunkingConfig{Size: 512, Overlap: 50, SplitOversized: true},
		Storage: StorageConfig{
			Backend:    BackendSQLite,
			SQLitePath: "rag.db",
			BoltPath:   "rag.bolt",
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "document_chunks",
			},
		},
		Embedding: EmbeddingConfig{
			Provider:    ProviderOpenAI,
			Model:       "text-embedding-3-small",
			Dimension:   1536,
			BatchSize:   500,
			Concurrency: 4,
		},
		Answer: AnswerConfig{
			Model:            "gpt-4o",
			MaxTokens:        2000,
			Temperature:      0.1,
			MaxContextTokens: 16000,
		},
		Retrieval: RetrievalConfig{
			DefaultK:     5,
			Threshold:    0.3,
			QueryTimeout: 30 * time.Second,
		},
		Server: ServerConfig{Port: "8080"},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when path is empty)
// and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from environment variables. Malformed values are reported
// rather than ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.integer("CHUNK_SIZE", &c.Chunking.Size)
	e.integer("CHUNK_OVERLAP", &c.Chunking.Overlap)
	e.boolean("SPLIT_OVERSIZED", &c.Chunking.SplitOversized)

	e.str("STORAGE_BACKEND", &c.Storage.Backend)
	e.str("SQLITE_PATH", &c.Storage.SQLitePath)
	e.str("BOLT_PATH", &c.Storage.BoltPath)
	e.str("QDRANT_HOST", &c.Storage.Qdrant.Host)
	e.integer("QDRANT_PORT", &c.Storage.Qdrant.Port)
	e.str("QDRANT_COLLECTION", &c.Storage.Qdrant.Collection)

	e.str("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	e.str("EMBEDDING_MODEL", &c.Embedding.Model)
	e.integer("EMBEDDING_DIMENSION", &c.Embedding.Dimension)
	e.integer("EMBEDDING_BATCH_SIZE", &c.Embedding.BatchSize)
	e.integer("EMBEDDING_CONCURRENCY", &c.Embedding.Concurrency)
	e.str("OPENAI_API_KEY", &c.OpenAIAPIKey)

	e.str("CHAT_MODEL", &c.Answer.Model)
	e.integer("MAX_TOKENS", &c.Answer.MaxTokens)
	e.number("TEMPERATURE", &c.Answer.Temperature)
	e.integer("MAX_CONTEXT_TOKENS", &c.Answer.MaxContextTokens)

	e.integer("DEFAULT_K", &c.Retrieval.DefaultK)
	e.number("SIMILARITY_THRESHOLD", &c.Retrieval.Threshold)
	e.duration("QUERY_TIMEOUT", &c.Retrieval.QueryTimeout)

	e.str("PORT", &c.Server.Port)
	e.boolean("SERVER_MODE", &c.Server.HTTP)
	e.str("INGEST_ROOT", &c.Server.IngestRoot)
	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)
	e.str("GITHUB_TOKEN", &c.GitHubToken)

	return errors.Join(e.errs...)
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if c.Chunking.Size <= 0 {
		fail("chunking.size", "must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		fail("chunking.overlap", "must be in [0, size), got %d", c.Chunking.Overlap)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			fail("storage.sqlite_path", "required for the sqlite backend")
		}
	case BackendBolt:
		if c.Storage.BoltPath == "" {
			fail("storage.bolt_path", "required for the bolt backend")
		}
	case BackendQdrant:
		if c.Storage.Qdrant.Host == "" {
			fail("storage.qdrant.host", "required for the qdrant backend")
		}
		if c.Storage.Qdrant.Port <= 0 {
			fail("storage.qdrant.port", "must be positive, got %d", c.Storage.Qdrant.Port)
		}
	default:
		fail("storage.backend", "unknown backend %q", c.Storage.Backend)
	}

	switch c.Embedding.Provider {
	case ProviderHash:
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			fail("OPENAI_API_KEY", "required for the openai embedding provider")
		}
	default:
		fail("embedding.provider", "unknown provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		fail("embedding.dimension", "must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.BatchSize <= 0 {
		fail("embedding.batch_size", "must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.Concurrency <= 0 {
		fail("embedding.concurrency", "must be positive, got %d", c.Embedding.Concurrency)
	}

	if c.Answer.Temperature < 0 || c.Answer.Temperature > 1 {
		fail("answer.temperature", "must be in [0, 1], got %g", c.Answer.Temperature)
	}
	if c.Answer.MaxTokens <= 0 {
		fail("answer.max_tokens", "must be positive, got %d", c.Answer.MaxTokens)
	}

	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		fail("retrieval.similarity_threshold", "must be in [0, 1], got %g", c.Retrieval.Threshold)
	}
	if c.Retrieval.DefaultK <= 0 {
		fail("retrieval.default_k", "must be positive, got %d", c.Retrieval.DefaultK)
	}
	if c.Retrieval.QueryTimeout < 0 {
		fail("retrieval.query_timeout", "must not be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		fail("log.format", "must be json or text, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) invalid(key, value, kind string) {
	e.errs = append(e.errs, &ValidationError{
		Field:  key,
		Reason: fmt.Sprintf("%q is not a valid %s", value, kind),
	})
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.invalid(key, v, "integer")
		return
	}
	*dst = i
}

func (e *envReader) number(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.invalid(key, v, "number")
		return
	}
	*dst = f
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.invalid(key, v, "boolean")
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.invalid(key, v, "duration")
		return
	}
	*dst = d
}
