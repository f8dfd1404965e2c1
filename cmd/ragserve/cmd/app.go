package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/querystack/ragserve/internal/chunk"
	"github.com/querystack/ragserve/internal/config"
	"github.com/querystack/ragserve/internal/embed"
	"github.com/querystack/ragserve/internal/ingest"
	"github.com/querystack/ragserve/internal/keyword"
	"github.com/querystack/ragserve/internal/llm"
	"github.com/querystack/ragserve/internal/logging"
	"github.com/querystack/ragserve/internal/store"
	"github.com/querystack/ragserve/internal/vector"
)

// setupLogging loads configured logging and installs it as the default.
func setupLogging(cfg *config.Config) (*slog.Logger, func(), error) {
	lc := logging.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.FilePath = cfg.Logging.FilePath
	logger, cleanup, err := logging.Setup(lc)
	if err != nil {
		return nil, nil, fmt.Errorf("logging setup failed: %w", err)
	}
	slog.SetDefault(logger)
	return logger, cleanup, nil
}

// openStore connects to Postgres and applies the schema.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is required (set RAGSERVE_DATABASE_URL)")
	}
	st, err := store.Open(ctx, store.PoolConfig{
		DSN:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		AcquireTimeout:  cfg.Database.AcquireTimeout,
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// newEmbedder selects the embedding provider.
func newEmbedder(cfg *config.Config) (embed.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "static":
		return embed.NewStaticEmbedder(), nil
	case "", "openai":
		return embed.NewOpenAIEmbedder(embed.OpenAIConfig{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			BatchSize:  cfg.Embedding.BatchSize,
			Dimensions: cfg.Embedding.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
}

// openVectors connects to Qdrant and ensures the corpus collection exists.
func openVectors(ctx context.Context, cfg *config.Config, embedder embed.Embedder) (vector.Store, error) {
	vectors, err := vector.NewQdrantStore(vector.QdrantConfig{
		Host:   cfg.Qdrant.Host,
		Port:   cfg.Qdrant.Port,
		APIKey: cfg.Qdrant.APIKey,
		UseTLS: cfg.Qdrant.UseTLS,
	})
	if err != nil {
		return nil, err
	}

	dims := embedder.Dimensions()
	if dims == 0 {
		// Remote embedders may not know their width until the first call.
		probe, err := embedder.Embed(ctx, "dimension probe")
		if err != nil {
			vectors.Close()
			return nil, fmt.Errorf("embedding dimension probe failed: %w", err)
		}
		dims = len(probe)
	}
	if err := vectors.EnsureCollection(ctx, cfg.Qdrant.Collection, dims); err != nil {
		vectors.Close()
		return nil, err
	}
	return vectors, nil
}

func newChat(cfg *config.Config, logger *slog.Logger) llm.Client {
	return llm.NewOpenAIClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		MaxRetries:  cfg.LLM.MaxRetries,
		Timeout:     cfg.LLM.Timeout,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger)
}

// newCoordinator builds the ingestion pipeline over the shared stores.
func newCoordinator(cfg *config.Config, embedder embed.Embedder, vectors vector.Store, keywords keyword.Index, st *store.Store, logger *slog.Logger) *ingest.Coordinator {
	return ingest.New(ingest.Config{
		Collection:   cfg.Qdrant.Collection,
		Root:         cfg.Ingest.Root,
		IncludeGlobs: corpusGlobs(cfg),
		Ignores:      cfg.Ingest.IgnorePatterns,
		EmbedBatch:   cfg.Ingest.EmbedBatchSize,
		ChunkOptions: chunk.Options{
			MaxChunkChars:      cfg.Chunking.MaxChunkChars,
			OverlapChars:       cfg.Chunking.OverlapChars,
			BreadcrumbMaxChars: cfg.Chunking.MaxBreadcrumbChars,
			PrependBreadcrumb:  cfg.Chunking.ContextPrefix,
		},
	}, embedder, vectors, keywords, st.Index, logger)
}

// corpusGlobs narrows the include globs when the scheduler excludes a class.
func corpusGlobs(cfg *config.Config) []string {
	if cfg.Scheduler.IndexCode && cfg.Scheduler.IndexDocs {
		return cfg.Ingest.IncludeGlobs
	}
	var globs []string
	for _, g := range cfg.Ingest.IncludeGlobs {
		switch ingest.Classify(strings.TrimPrefix(g, "**/")) {
		case ingest.ClassCode:
			if cfg.Scheduler.IndexCode {
				globs = append(globs, g)
			}
		case ingest.ClassDocument:
			if cfg.Scheduler.IndexDocs {
				globs = append(globs, g)
			}
		}
	}
	return globs
}
