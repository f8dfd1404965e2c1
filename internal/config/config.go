// Package config loads ragserve configuration from a YAML file with
// environment-variable overrides. Precedence, lowest to highest:
//
//  1. Built-in defaults
//  2. Config file (ragserve.yaml)
//  3. Environment variables (RAGSERVE_*)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete ragserve configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Qdrant    QdrantConfig    `yaml:"qdrant" json:"qdrant"`
	Keyword   KeywordConfig   `yaml:"keyword" json:"keyword"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	LLM       LLMConfig       `yaml:"llm" json:"llm"`
	Reranker  RerankerConfig  `yaml:"reranker" json:"reranker"`
	Retrieval RetrievalConfig `yaml:"retrieval" json:"retrieval"`
	Chunking  ChunkingConfig  `yaml:"chunking" json:"chunking"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
	QA        QAConfig        `yaml:"qa" json:"qa"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Tasks     TasksConfig     `yaml:"tasks" json:"tasks"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// DatabaseConfig configures the PostgreSQL session pool.
type DatabaseConfig struct {
	URL string `yaml:"url" json:"url"`
	// MaxConns bounds the pool (base 5 + overflow 10).
	MaxConns int32 `yaml:"max_conns" json:"max_conns"`
	// AcquireTimeout is how long a request waits for a session.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// ConnMaxLifetime recycles connections (default: 1h).
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// QdrantConfig configures the vector store client.
type QdrantConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	APIKey          string `yaml:"api_key" json:"api_key"`
	UseTLS          bool   `yaml:"use_tls" json:"use_tls"`
	Collection      string `yaml:"collection" json:"collection"`
	CacheCollection string `yaml:"cache_collection" json:"cache_collection"`
}

// KeywordConfig configures the full-text index.
type KeywordConfig struct {
	// Path is the on-disk index location. Empty means in-memory.
	Path string `yaml:"path" json:"path"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is "openai" (remote OpenAI-format endpoint) or "static"
	// (deterministic local embedder for tests and offline use).
	Provider  string `yaml:"provider" json:"provider"`
	Model     string `yaml:"model" json:"model"`
	APIKey    string `yaml:"api_key" json:"api_key"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
	BatchSize int    `yaml:"batch_size" json:"batch_size"`
	// Dimensions is optional; zero means probe on first use.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
}

// LLMConfig configures the chat model client.
type LLMConfig struct {
	Provider    string        `yaml:"provider" json:"provider"`
	Model       string        `yaml:"model" json:"model"`
	APIKey      string        `yaml:"api_key" json:"api_key"`
	BaseURL     string        `yaml:"base_url" json:"base_url"`
	Temperature float64       `yaml:"temperature" json:"temperature"`
	MaxTokens   int64         `yaml:"max_tokens" json:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
}

// RerankerConfig configures the cross-encoder scoring service.
type RerankerConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Endpoint  string        `yaml:"endpoint" json:"endpoint"`
	Model     string        `yaml:"model" json:"model"`
	BatchSize int           `yaml:"batch_size" json:"batch_size"`
	MaxLength int           `yaml:"max_length" json:"max_length"`
	CacheSize int           `yaml:"cache_size" json:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// RetrievalConfig configures hybrid retrieval.
type RetrievalConfig struct {
	// VectorWeight and KeywordWeight are the fusion weights.
	VectorWeight  float64 `yaml:"vector_weight" json:"vector_weight"`
	KeywordWeight float64 `yaml:"keyword_weight" json:"keyword_weight"`
	// RerankMultiplier widens the candidate pool when reranking (C = k * R).
	RerankMultiplier int `yaml:"rerank_multiplier" json:"rerank_multiplier"`
	// Rewrite selects the query rewriting strategy: "", "multi_query", "hyde".
	Rewrite string `yaml:"rewrite" json:"rewrite"`
	// MultiQueryVariants is the number of LLM-generated query variants.
	MultiQueryVariants int `yaml:"multi_query_variants" json:"multi_query_variants"`
}

// ChunkingConfig configures the chunkers.
type ChunkingConfig struct {
	MaxChunkChars      int  `yaml:"max_chunk_chars" json:"max_chunk_chars"`
	OverlapChars       int  `yaml:"overlap_chars" json:"overlap_chars"`
	MaxBreadcrumbChars int  `yaml:"max_breadcrumb_chars" json:"max_breadcrumb_chars"`
	ContextPrefix      bool `yaml:"context_prefix" json:"context_prefix"`
}

// IngestConfig configures corpus discovery.
type IngestConfig struct {
	Root           string   `yaml:"root" json:"root"`
	IncludeGlobs   []string `yaml:"include_globs" json:"include_globs"`
	IgnorePatterns []string `yaml:"ignore_patterns" json:"ignore_patterns"`
	EmbedBatchSize int      `yaml:"embed_batch_size" json:"embed_batch_size"`
}

// QAConfig configures the QA chain.
type QAConfig struct {
	MaxSingleContentChars int     `yaml:"max_single_content_chars" json:"max_single_content_chars"`
	MaxContextChars       int     `yaml:"max_context_chars" json:"max_context_chars"`
	MaxHistoryTurns       int     `yaml:"max_history_turns" json:"max_history_turns"`
	KeepRecentTurns       int     `yaml:"keep_recent_turns" json:"keep_recent_turns"`
	MaxSummaryChars       int     `yaml:"max_summary_chars" json:"max_summary_chars"`
	CacheSimilarity       float64 `yaml:"cache_similarity" json:"cache_similarity"`
}

// CacheConfig configures the semantic answer cache.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	TTL             time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries      int           `yaml:"max_entries" json:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	CleanupDaemon   bool          `yaml:"cleanup_daemon" json:"cleanup_daemon"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret" json:"jwt_secret"`
	AccessTokenTTL   time.Duration `yaml:"access_token_ttl" json:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `yaml:"refresh_token_ttl" json:"refresh_token_ttl"`
	MaxFailedLogins  int           `yaml:"max_failed_logins" json:"max_failed_logins"`
	LockoutSeconds   int           `yaml:"lockout_seconds" json:"lockout_seconds"`
	// AllowLegacyAdminFallback keeps the historical behavior where an API
	// key without a bound user resolves to the first administrator. Known
	// security footgun; disable in new deployments.
	AllowLegacyAdminFallback bool `yaml:"allow_legacy_admin_fallback" json:"allow_legacy_admin_fallback"`
	PwnedPasswordCheck       bool `yaml:"pwned_password_check" json:"pwned_password_check"`
}

// SchedulerConfig configures the incremental reindex scheduler.
type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Interval        time.Duration `yaml:"interval" json:"interval"`
	MisfireGrace    time.Duration `yaml:"misfire_grace" json:"misfire_grace"`
	IndexCode       bool          `yaml:"index_code" json:"index_code"`
	IndexDocs       bool          `yaml:"index_docs" json:"index_docs"`
	WatchFilesystem bool          `yaml:"watch_filesystem" json:"watch_filesystem"`
}

// TasksConfig configures the knowledge task queue.
type TasksConfig struct {
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
	QueueSize  int `yaml:"queue_size" json:"queue_size"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
		Database: DatabaseConfig{
			MaxConns:        15,
			AcquireTimeout:  30 * time.Second,
			ConnMaxLifetime: time.Hour,
		},
		Qdrant: QdrantConfig{
			Host:            "localhost",
			Port:            6334,
			Collection:      "corpus",
			CacheCollection: "semantic_cache",
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			BatchSize: 32,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			MaxTokens:   2048,
			Timeout:     120 * time.Second,
			MaxRetries:  3,
		},
		Reranker: RerankerConfig{
			BatchSize: 32,
			MaxLength: 512,
			CacheSize: 512,
			CacheTTL:  300 * time.Second,
		},
		Retrieval: RetrievalConfig{
			VectorWeight:       0.7,
			KeywordWeight:      0.3,
			RerankMultiplier:   3,
			MultiQueryVariants: 3,
		},
		Chunking: ChunkingConfig{
			MaxChunkChars:      1600,
			OverlapChars:       160,
			MaxBreadcrumbChars: 120,
			ContextPrefix:      true,
		},
		Ingest: IngestConfig{
			IncludeGlobs: []string{
				"**/*.md", "**/*.markdown", "**/*.txt", "**/*.rst",
				"**/*.go", "**/*.py", "**/*.js", "**/*.ts", "**/*.java",
			},
			IgnorePatterns: []string{
				".git", "node_modules", "vendor", "__pycache__", ".venv",
			},
			EmbedBatchSize: 32,
		},
		QA: QAConfig{
			MaxSingleContentChars: 2000,
			MaxContextChars:       8000,
			MaxHistoryTurns:       6,
			KeepRecentTurns:       3,
			MaxSummaryChars:       600,
			CacheSimilarity:       0.92,
		},
		Cache: CacheConfig{
			Enabled:         true,
			TTL:             24 * time.Hour,
			MaxEntries:      10000,
			CleanupInterval: 10 * time.Minute,
		},
		Auth: AuthConfig{
			AccessTokenTTL:           30 * time.Minute,
			RefreshTokenTTL:          7 * 24 * time.Hour,
			MaxFailedLogins:          5,
			LockoutSeconds:           300,
			AllowLegacyAdminFallback: true,
			PwnedPasswordCheck:       true,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			Interval:     30 * time.Minute,
			MisfireGrace: 5 * time.Minute,
			IndexCode:    true,
			IndexDocs:    true,
		},
		Tasks: TasksConfig{
			MaxWorkers: 3,
			QueueSize:  256,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides. A .env file in the working directory is honored.
func Load(path string) (*Config, error) {
	// Best-effort: .env is a development convenience.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.KeywordWeight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if c.Retrieval.RerankMultiplier < 1 {
		return fmt.Errorf("rerank_multiplier must be >= 1")
	}
	if c.QA.CacheSimilarity <= 0 || c.QA.CacheSimilarity > 1 {
		return fmt.Errorf("qa.cache_similarity must be in (0, 1]")
	}
	if c.QA.KeepRecentTurns > c.QA.MaxHistoryTurns {
		return fmt.Errorf("qa.keep_recent_turns must not exceed qa.max_history_turns")
	}
	if c.Tasks.MaxWorkers < 1 {
		return fmt.Errorf("tasks.max_workers must be >= 1")
	}
	if c.Auth.MaxFailedLogins < 1 {
		return fmt.Errorf("auth.max_failed_logins must be >= 1")
	}
	return nil
}

// applyEnv overlays RAGSERVE_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "RAGSERVE_HOST")
	setInt(&cfg.Server.Port, "RAGSERVE_PORT")
	setString(&cfg.Database.URL, "RAGSERVE_DATABASE_URL")
	setString(&cfg.Qdrant.Host, "RAGSERVE_QDRANT_HOST")
	setInt(&cfg.Qdrant.Port, "RAGSERVE_QDRANT_PORT")
	setString(&cfg.Qdrant.APIKey, "RAGSERVE_QDRANT_API_KEY")
	setBool(&cfg.Qdrant.UseTLS, "RAGSERVE_QDRANT_HTTPS")
	setString(&cfg.Qdrant.Collection, "RAGSERVE_QDRANT_COLLECTION")
	setString(&cfg.Embedding.Provider, "RAGSERVE_EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.Model, "RAGSERVE_EMBEDDING_MODEL")
	setString(&cfg.Embedding.APIKey, "RAGSERVE_EMBEDDING_API_KEY")
	setString(&cfg.Embedding.BaseURL, "RAGSERVE_EMBEDDING_BASE_URL")
	setString(&cfg.LLM.Provider, "RAGSERVE_LLM_PROVIDER")
	setString(&cfg.LLM.Model, "RAGSERVE_LLM_MODEL")
	setString(&cfg.LLM.APIKey, "RAGSERVE_LLM_API_KEY")
	setString(&cfg.LLM.BaseURL, "RAGSERVE_LLM_BASE_URL")
	setFloat(&cfg.LLM.Temperature, "RAGSERVE_LLM_TEMPERATURE")
	setString(&cfg.Reranker.Endpoint, "RAGSERVE_RERANKER_ENDPOINT")
	setString(&cfg.Reranker.Model, "RAGSERVE_RERANKER_MODEL")
	setBool(&cfg.Reranker.Enabled, "RAGSERVE_RERANKER_ENABLED")
	setString(&cfg.Auth.JWTSecret, "RAGSERVE_SECRET_KEY")
	setInt(&cfg.Auth.MaxFailedLogins, "RAGSERVE_MAX_FAILED_LOGINS")
	setInt(&cfg.Auth.LockoutSeconds, "RAGSERVE_LOCKOUT_SECONDS")
	setBool(&cfg.Auth.AllowLegacyAdminFallback, "RAGSERVE_ALLOW_LEGACY_ADMIN_FALLBACK")
	setBool(&cfg.Scheduler.Enabled, "RAGSERVE_SCHEDULER_ENABLED")
	setDuration(&cfg.Scheduler.Interval, "RAGSERVE_SCHEDULER_INTERVAL")
	setString(&cfg.Ingest.Root, "RAGSERVE_CORPUS_ROOT")
	setString(&cfg.Logging.Level, "RAGSERVE_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
