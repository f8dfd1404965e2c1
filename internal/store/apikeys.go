package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querystack/ragserve/internal/apperr"
)

// APIKeyRepo persists API keys.
type APIKeyRepo struct {
	pool *pgxpool.Pool
}

// Create inserts a key.
func (r *APIKeyRepo) Create(ctx context.Context, k *APIKey) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO api_keys (key, user_id, active, expires_at) VALUES ($1, $2, $3, $4)`,
		k.Key, k.UserID, k.Active, k.ExpiresAt)
	if err != nil {
		return apperr.Internal("failed to create api key", err)
	}
	return nil
}

// ByKey fetches a key row.
func (r *APIKeyRepo) ByKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	err := r.pool.QueryRow(ctx,
		`SELECT key, user_id, active, expires_at, usage_count, created_at FROM api_keys WHERE key = $1`, key).
		Scan(&k.Key, &k.UserID, &k.Active, &k.ExpiresAt, &k.UsageCount, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("api key not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load api key", err)
	}
	return &k, nil
}

// Touch increments the usage counter.
func (r *APIKeyRepo) Touch(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1 WHERE key = $1`, key)
	if err != nil {
		return apperr.Internal("failed to touch api key", err)
	}
	return nil
}

// Deactivate disables a key.
func (r *APIKeyRepo) Deactivate(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE api_keys SET active = FALSE WHERE key = $1`, key)
	if err != nil {
		return apperr.Internal("failed to deactivate api key", err)
	}
	return nil
}
