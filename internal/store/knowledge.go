package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querystack/ragserve/internal/apperr"
)

// KnowledgeRepo persists knowledge entries.
type KnowledgeRepo struct {
	pool *pgxpool.Pool
}

const knowledgeColumns = `id, title, category, summary, keywords, tech_stack, content_preview, owner_id, is_public, created_at, updated_at`

// Upsert inserts or replaces an entry. Task retries reuse the same id, so
// the write must be idempotent.
func (r *KnowledgeRepo) Upsert(ctx context.Context, k *Knowledge) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO knowledge (id, title, category, summary, keywords, tech_stack, content_preview, owner_id, is_public)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			category = EXCLUDED.category,
			summary = EXCLUDED.summary,
			keywords = EXCLUDED.keywords,
			tech_stack = EXCLUDED.tech_stack,
			content_preview = EXCLUDED.content_preview,
			is_public = EXCLUDED.is_public,
			updated_at = now()`,
		k.ID, k.Title, k.Category, k.Summary, k.Keywords, k.TechStack, k.ContentPreview, k.OwnerID, k.IsPublic)
	if err != nil {
		return apperr.Internal("failed to upsert knowledge entry", err)
	}
	return nil
}

// ByID fetches an entry.
func (r *KnowledgeRepo) ByID(ctx context.Context, id string) (*Knowledge, error) {
	var k Knowledge
	err := r.pool.QueryRow(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge WHERE id = $1`, id).
		Scan(&k.ID, &k.Title, &k.Category, &k.Summary, &k.Keywords, &k.TechStack,
			&k.ContentPreview, &k.OwnerID, &k.IsPublic, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("knowledge entry %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("failed to load knowledge entry", err)
	}
	return &k, nil
}

// ListVisible returns entries the user may see: their own plus public ones.
func (r *KnowledgeRepo) ListVisible(ctx context.Context, ownerID string, limit, offset int) ([]Knowledge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge
		 WHERE owner_id = $1 OR is_public
		 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, offset)
	if err != nil {
		return nil, apperr.Internal("failed to list knowledge entries", err)
	}
	defer rows.Close()
	return scanKnowledge(rows)
}

// Delete removes an entry.
func (r *KnowledgeRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM knowledge WHERE id = $1`, id)
	if err != nil {
		return apperr.Internal("failed to delete knowledge entry", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("knowledge entry %s not found", id)
	}
	return nil
}

func scanKnowledge(rows pgx.Rows) ([]Knowledge, error) {
	var out []Knowledge
	for rows.Next() {
		var k Knowledge
		if err := rows.Scan(&k.ID, &k.Title, &k.Category, &k.Summary, &k.Keywords, &k.TechStack,
			&k.ContentPreview, &k.OwnerID, &k.IsPublic, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, apperr.Internal("failed to scan knowledge row", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("failed to read knowledge rows", err)
	}
	return out, nil
}
