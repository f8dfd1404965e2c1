package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/querystack/ragserve/internal/audit"
	"github.com/querystack/ragserve/internal/auth"
	"github.com/querystack/ragserve/internal/config"
	"github.com/querystack/ragserve/internal/keyword"
	"github.com/querystack/ragserve/internal/qa"
	"github.com/querystack/ragserve/internal/rerank"
	"github.com/querystack/ragserve/internal/scheduler"
	"github.com/querystack/ragserve/internal/search"
	"github.com/querystack/ragserve/internal/semcache"
	"github.com/querystack/ragserve/internal/server"
	"github.com/querystack/ragserve/internal/task"
	"github.com/querystack/ragserve/internal/watcher"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set RAGSERVE_SECRET_KEY)")
	}

	logger, logCleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logCleanup()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	vectors, err := openVectors(ctx, cfg, embedder)
	if err != nil {
		return err
	}
	defer vectors.Close()

	keywords, err := keyword.Open(cfg.Keyword.Path, logger)
	if err != nil {
		return err
	}
	defer keywords.Close()

	chat := newChat(cfg, logger)

	var reranker rerank.Reranker
	if cfg.Reranker.Enabled && cfg.Reranker.Endpoint != "" {
		reranker = rerank.NewClient(rerank.Config{
			Endpoint:  cfg.Reranker.Endpoint,
			BatchSize: cfg.Reranker.BatchSize,
			MaxLength: cfg.Reranker.MaxLength,
			CacheSize: cfg.Reranker.CacheSize,
			CacheTTL:  cfg.Reranker.CacheTTL,
		}, logger)
	}

	retriever := search.New(search.Config{
		Collection:       cfg.Qdrant.Collection,
		WeightVector:     cfg.Retrieval.VectorWeight,
		WeightKeyword:    cfg.Retrieval.KeywordWeight,
		RerankMultiplier: cfg.Retrieval.RerankMultiplier,
		MultiQueryCount:  cfg.Retrieval.MultiQueryVariants,
	}, embedder, vectors, keywords, reranker, chat, logger)

	var qaCache qa.Cache
	if cfg.Cache.Enabled {
		sc, err := semcache.New(ctx, semcache.Config{
			Collection:      cfg.Qdrant.CacheCollection,
			Similarity:      float32(cfg.QA.CacheSimilarity),
			TTL:             cfg.Cache.TTL,
			MaxEntries:      cfg.Cache.MaxEntries,
			CleanupInterval: cfg.Cache.CleanupInterval,
		}, embedder, vectors, logger)
		if err != nil {
			return err
		}
		if cfg.Cache.CleanupDaemon {
			sc.StartCleanup()
		}
		defer sc.Close()
		qaCache = sc
	}

	engine := qa.New(qa.Config{
		MaxSingleContentChars: cfg.QA.MaxSingleContentChars,
		MaxContextChars:       cfg.QA.MaxContextChars,
		MaxHistoryTurns:       cfg.QA.MaxHistoryTurns,
		KeepRecentTurns:       cfg.QA.KeepRecentTurns,
		MaxSummaryChars:       cfg.QA.MaxSummaryChars,
		Temperature:           cfg.LLM.Temperature,
	}, retriever, chat, qaCache, logger)

	queue := task.New(task.Config{
		Workers:    cfg.Tasks.MaxWorkers,
		QueueSize:  cfg.Tasks.QueueSize,
		Collection: cfg.Qdrant.Collection,
	}, st.Tasks, st.Knowledge, st.Groups, st.Versions, chat, embedder, vectors, keywords, logger)
	queue.Start()
	defer queue.Stop()

	coordinator := newCoordinator(cfg, embedder, vectors, keywords, st, logger)

	var schedInfo server.SchedulerInfo
	if cfg.Scheduler.Enabled && cfg.Ingest.Root != "" {
		sched := scheduler.New(scheduler.Config{
			Interval:     cfg.Scheduler.Interval,
			MisfireGrace: cfg.Scheduler.MisfireGrace,
		}, func(jctx context.Context) (string, error) {
			stats, err := coordinator.IndexTree(jctx, cfg.Ingest.Root)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("indexed %d, skipped %d, deleted %d, errors %d",
				stats.Indexed, stats.Skipped, stats.Deleted, stats.Errors), nil
		}, logger)
		sched.Start()
		defer sched.Stop()
		schedInfo = sched

		if cfg.Scheduler.WatchFilesystem {
			w, err := watcher.New(watcher.Config{Root: cfg.Ingest.Root}, func() { sched.Trigger() }, logger)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer func() { _ = w.Stop() }()
		}
	}

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	limiter := auth.NewLoginLimiter(cfg.Auth.MaxFailedLogins, time.Duration(cfg.Auth.LockoutSeconds)*time.Second)
	limiter.StartCleanup()
	defer limiter.Close()
	var pwned *auth.PwnedChecker
	if cfg.Auth.PwnedPasswordCheck {
		pwned = auth.NewPwnedChecker("", 0, logger)
	}
	authSvc := auth.NewService(st.Users, tokens, limiter, pwned, logger)
	keys := auth.NewKeyVerifier(auth.KeyVerifierConfig{
		AllowLegacyAdmin: cfg.Auth.AllowLegacyAdminFallback,
	}, st.APIKeys, st.Users, logger)

	srv := server.New(server.Config{
		Model:           cfg.LLM.Model,
		Provider:        cfg.LLM.Provider,
		RerankerDefault: cfg.Reranker.Enabled,
	}, server.Deps{
		QA:        engine,
		Search:    retriever,
		Auth:      authSvc,
		Keys:      keys,
		Tasks:     queue,
		TaskStore: st.Tasks,
		Knowledge: st.Knowledge,
		Versions:  st.Versions,
		Scheduler: schedInfo,
		Groups:    st.Groups,
		Audit:     audit.New(st.Usage, logger),
		Logger:    logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := srv.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
