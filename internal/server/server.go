// Package server exposes the HTTP surface: question answering (unary and
// SSE), hybrid search, knowledge submission, auth, groups, and operational
// endpoints. Handlers validate and translate; domain logic lives below.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/querystack/ragserve/internal/audit"
	"github.com/querystack/ragserve/internal/qa"
	"github.com/querystack/ragserve/internal/scheduler"
	"github.com/querystack/ragserve/internal/search"
	"github.com/querystack/ragserve/internal/store"
	"github.com/querystack/ragserve/internal/task"

	"github.com/querystack/ragserve/internal/auth"
)

// QueryEngine is the QA surface the server drives.
type QueryEngine interface {
	Query(ctx context.Context, req qa.Request) (*qa.Response, error)
	QueryStream(ctx context.Context, req qa.Request, emit func(qa.Event) error) (*qa.Response, error)
	ResetHistory(key string)
}

// Searcher runs a retrieval without answer synthesis.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// AuthService handles credentials and tokens.
type AuthService interface {
	Login(ctx context.Context, username, password, clientIP string) (*auth.TokenPair, *store.User, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Authenticate(ctx context.Context, accessToken string) (*store.User, error)
}

// KeyVerifier resolves API keys to users.
type KeyVerifier interface {
	Verify(ctx context.Context, key string) (*store.User, error)
}

// TaskQueue accepts knowledge submissions, re-applies snapshots, and
// removes entries from every store.
type TaskQueue interface {
	Submit(ctx context.Context, sub task.Submission) (string, error)
	Restore(ctx context.Context, entry *store.Knowledge, content string) error
	Remove(ctx context.Context, entry *store.Knowledge) error
}

// TaskReader reads task state for the status endpoint.
type TaskReader interface {
	ByID(ctx context.Context, id string) (*store.Task, error)
}

// SchedulerInfo is the reindex loop's operational surface.
type SchedulerInfo interface {
	Status() scheduler.Status
	Trigger() bool
}

// KnowledgeReader reads knowledge entries.
type KnowledgeReader interface {
	ByID(ctx context.Context, id string) (*store.Knowledge, error)
	ListVisible(ctx context.Context, ownerID string, limit, offset int) ([]store.Knowledge, error)
}

// VersionStore exposes the version history of knowledge entries.
type VersionStore interface {
	List(ctx context.Context, entryID string) ([]store.Version, error)
	RollbackTo(ctx context.Context, entryID string, targetVersion int, actor, reason string) (*store.Version, error)
}

// GroupStore persists knowledge groups.
type GroupStore interface {
	ListVisible(ctx context.Context, ownerID string) ([]store.Group, error)
	Create(ctx context.Context, g *store.Group) error
	Delete(ctx context.Context, ownerID, id string) error
}

// Config carries the handler-level settings.
type Config struct {
	// ServiceName appears in the health response.
	ServiceName string
	// Model and Provider label audit rows.
	Model    string
	Provider string
	// RerankerDefault applies when a query does not set use_reranker.
	RerankerDefault bool
}

// Deps wires the server to the rest of the service. Scheduler, Groups,
// Versions, and Audit may be nil when the corresponding feature is disabled.
type Deps struct {
	QA        QueryEngine
	Search    Searcher
	Auth      AuthService
	Keys      KeyVerifier
	Tasks     TaskQueue
	TaskStore TaskReader
	Knowledge KnowledgeReader
	Versions  VersionStore
	Scheduler SchedulerInfo
	Groups    GroupStore
	Audit     *audit.Recorder
	Logger    *slog.Logger
}

// Server is the HTTP layer.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a server.
func New(cfg Config, deps Deps) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ragserve"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/mcp/verify", s.handleMCPVerify)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/query", s.handleQuery)
		r.Post("/query/stream", s.handleQueryStream)
		r.Delete("/query/history", s.handleResetHistory)
		r.Post("/search", s.handleSearch)

		r.Post("/add_knowledge", s.handleAddKnowledge)
		r.Get("/add_knowledge/status/{task_id}", s.handleTaskStatus)

		r.Get("/knowledge", s.handleListKnowledge)
		r.Delete("/knowledge/{id}", s.handleDeleteKnowledge)
		r.Get("/knowledge/{id}/versions", s.handleListVersions)
		r.Post("/knowledge/{id}/rollback", s.handleRollback)

		r.Get("/groups", s.handleListGroups)
		r.Post("/groups", s.handleCreateGroup)
		r.Delete("/groups/{id}", s.handleDeleteGroup)

		r.Get("/scheduler/status", s.handleSchedulerStatus)
		r.Post("/scheduler/trigger", s.handleSchedulerTrigger)
	})

	return r
}

// ListenAndServe runs the server until ctx is canceled, then drains with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http_listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
