package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querystack/ragserve/internal/apperr"
)

// IndexStateRepo is the durable map consulted by the incremental indexer.
type IndexStateRepo struct {
	pool *pgxpool.Pool
}

// Get fetches the state for one file.
func (r *IndexStateRepo) Get(ctx context.Context, filePath string) (*IndexState, error) {
	var s IndexState
	err := r.pool.QueryRow(ctx,
		`SELECT file_path, content_hash, mtime, indexed_at, point_ids FROM index_state WHERE file_path = $1`,
		filePath).
		Scan(&s.FilePath, &s.ContentHash, &s.MTime, &s.IndexedAt, &s.PointIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("no index state for %s", filePath)
	}
	if err != nil {
		return nil, apperr.Internal("failed to load index state", err)
	}
	return &s, nil
}

// All returns the full state map keyed by file path.
func (r *IndexStateRepo) All(ctx context.Context) (map[string]IndexState, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT file_path, content_hash, mtime, indexed_at, point_ids FROM index_state`)
	if err != nil {
		return nil, apperr.Internal("failed to list index state", err)
	}
	defer rows.Close()

	out := make(map[string]IndexState)
	for rows.Next() {
		var s IndexState
		if err := rows.Scan(&s.FilePath, &s.ContentHash, &s.MTime, &s.IndexedAt, &s.PointIDs); err != nil {
			return nil, apperr.Internal("failed to scan index state row", err)
		}
		out[s.FilePath] = s
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("failed to read index state rows", err)
	}
	return out, nil
}

// Put records the state for a file after both stores acknowledged the write.
func (r *IndexStateRepo) Put(ctx context.Context, s *IndexState) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO index_state (file_path, content_hash, mtime, indexed_at, point_ids)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (file_path) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			mtime = EXCLUDED.mtime,
			indexed_at = now(),
			point_ids = EXCLUDED.point_ids`,
		s.FilePath, s.ContentHash, s.MTime, s.PointIDs)
	if err != nil {
		return apperr.Internal("failed to put index state", err)
	}
	return nil
}

// Delete removes the state for a file.
func (r *IndexStateRepo) Delete(ctx context.Context, filePath string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM index_state WHERE file_path = $1`, filePath)
	if err != nil {
		return apperr.Internal("failed to delete index state", err)
	}
	return nil
}

// Clear wipes the whole state, used by full reindex.
func (r *IndexStateRepo) Clear(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM index_state`)
	if err != nil {
		return apperr.Internal("failed to clear index state", err)
	}
	return nil
}
