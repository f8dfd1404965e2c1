// Package store holds the relational persistence layer: users, API keys,
// knowledge entries and groups, version history, tasks, usage logs, and the
// incremental indexing state.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	AcquireTimeout  time.Duration
	MaxConnLifetime time.Duration
}

// Store wraps the pgx pool and exposes the repositories.
type Store struct {
	pool *pgxpool.Pool

	Users     *UserRepo
	APIKeys   *APIKeyRepo
	Knowledge *KnowledgeRepo
	Groups    *GroupRepo
	Versions  *VersionRepo
	Tasks     *TaskRepo
	Usage     *UsageRepo
	Index     *IndexStateRepo
}

// Open connects to Postgres with a bounded pool and verifies connectivity.
func Open(ctx context.Context, cfg PoolConfig) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.AcquireTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return newStore(pool), nil
}

func newStore(pool *pgxpool.Pool) *Store {
	s := &Store{pool: pool}
	s.Users = &UserRepo{pool: pool}
	s.APIKeys = &APIKeyRepo{pool: pool}
	s.Knowledge = &KnowledgeRepo{pool: pool}
	s.Groups = &GroupRepo{pool: pool}
	s.Versions = &VersionRepo{pool: pool}
	s.Tasks = &TaskRepo{pool: pool}
	s.Usage = &UsageRepo{pool: pool}
	s.Index = &IndexStateRepo{pool: pool}
	return s
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// schema is applied at startup. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		key TEXT PRIMARY KEY,
		user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMPTZ,
		usage_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		keywords TEXT[] NOT NULL DEFAULT '{}',
		tech_stack TEXT[] NOT NULL DEFAULT '{}',
		content_preview TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (owner_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_group_members (
		knowledge_id TEXT NOT NULL REFERENCES knowledge(id) ON DELETE CASCADE,
		group_id TEXT NOT NULL REFERENCES knowledge_groups(id) ON DELETE CASCADE,
		PRIMARY KEY (knowledge_id, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_versions (
		id BIGSERIAL PRIMARY KEY,
		entry_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		change_type TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (entry_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_logs (
		id BIGSERIAL PRIMARY KEY,
		model TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		request_kind TEXT NOT NULL DEFAULT '',
		question TEXT NOT NULL DEFAULT '',
		answer_preview TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
		retrieval_ms BIGINT NOT NULL DEFAULT 0,
		llm_ms BIGINT NOT NULL DEFAULT 0,
		retrieval_count INTEGER NOT NULL DEFAULT 0,
		reranked BOOLEAN NOT NULL DEFAULT FALSE,
		success BOOLEAN NOT NULL DEFAULT TRUE,
		error TEXT NOT NULL DEFAULT '',
		client_ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS index_state (
		file_path TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		mtime TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		point_ids TEXT[] NOT NULL DEFAULT '{}'
	)`,
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
