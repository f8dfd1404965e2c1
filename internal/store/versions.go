package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querystack/ragserve/internal/apperr"
)

// VersionRepo is the append-only version tracker. Version numbers are
// monotonic per entry starting at 1; rows are never mutated.
type VersionRepo struct {
	pool *pgxpool.Pool
}

const versionColumns = `id, entry_id, version, content, metadata, change_type, actor, reason, created_at`

// createVersionAttempts bounds the retry loop on concurrent inserts for the
// same entry.
const createVersionAttempts = 3

// Create appends a new version, assigning max(version)+1. Two concurrent
// inserts for the same entry can compute the same number; the loser hits the
// (entry_id, version) unique constraint and the insert is retried with a
// fresh number.
func (r *VersionRepo) Create(ctx context.Context, entryID, content string, metadata map[string]any, changeType, actor, reason string) (*Version, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	var lastErr error
	for attempt := 0; attempt < createVersionAttempts; attempt++ {
		var v Version
		err := r.pool.QueryRow(ctx, `
			INSERT INTO knowledge_versions (entry_id, version, content, metadata, change_type, actor, reason)
			VALUES ($1,
				(SELECT COALESCE(MAX(version), 0) + 1 FROM knowledge_versions WHERE entry_id = $1),
				$2, $3, $4, $5, $6)
			RETURNING `+versionColumns,
			entryID, content, metadata, changeType, actor, reason).
			Scan(&v.ID, &v.EntryID, &v.Version, &v.Content, &v.Metadata,
				&v.ChangeType, &v.Actor, &v.Reason, &v.CreatedAt)
		if err == nil {
			return &v, nil
		}
		if !isUniqueViolation(err) {
			return nil, apperr.Internal("failed to create version", err)
		}
		lastErr = err
	}
	return nil, apperr.Internal("failed to create version after concurrent conflicts", lastErr)
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Get fetches one version of an entry.
func (r *VersionRepo) Get(ctx context.Context, entryID string, version int) (*Version, error) {
	var v Version
	err := r.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM knowledge_versions WHERE entry_id = $1 AND version = $2`,
		entryID, version).
		Scan(&v.ID, &v.EntryID, &v.Version, &v.Content, &v.Metadata,
			&v.ChangeType, &v.Actor, &v.Reason, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("version %d of entry %s not found", version, entryID)
	}
	if err != nil {
		return nil, apperr.Internal("failed to load version", err)
	}
	return &v, nil
}

// List returns all versions of an entry, newest first.
func (r *VersionRepo) List(ctx context.Context, entryID string) ([]Version, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM knowledge_versions WHERE entry_id = $1 ORDER BY version DESC`,
		entryID)
	if err != nil {
		return nil, apperr.Internal("failed to list versions", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.EntryID, &v.Version, &v.Content, &v.Metadata,
			&v.ChangeType, &v.Actor, &v.Reason, &v.CreatedAt); err != nil {
			return nil, apperr.Internal("failed to scan version row", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("failed to read version rows", err)
	}
	return out, nil
}

// RollbackTo appends a new version whose content equals the target
// version's. The vector store is not touched here; callers re-embed when
// the rolled-back content differs.
func (r *VersionRepo) RollbackTo(ctx context.Context, entryID string, targetVersion int, actor, reason string) (*Version, error) {
	target, err := r.Get(ctx, entryID, targetVersion)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = fmt.Sprintf("rollback to v%d", targetVersion)
	}
	return r.Create(ctx, entryID, target.Content, target.Metadata, ChangeUpdate, actor, reason)
}
