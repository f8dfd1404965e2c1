package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querystack/ragserve/internal/apperr"
)

// UserRepo persists users.
type UserRepo struct {
	pool *pgxpool.Pool
}

// Create inserts a user.
func (r *UserRepo) Create(ctx context.Context, u *User) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, is_admin) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Username, u.PasswordHash, u.IsAdmin)
	if err != nil {
		return apperr.Internal("failed to create user", err)
	}
	return nil
}

// ByID fetches a user by id.
func (r *UserRepo) ByID(ctx context.Context, id string) (*User, error) {
	return r.scanOne(ctx,
		`SELECT id, username, password_hash, is_admin, created_at FROM users WHERE id = $1`, id)
}

// ByUsername fetches a user by username.
func (r *UserRepo) ByUsername(ctx context.Context, username string) (*User, error) {
	return r.scanOne(ctx,
		`SELECT id, username, password_hash, is_admin, created_at FROM users WHERE username = $1`, username)
}

// Admin returns the administrator account, if any.
func (r *UserRepo) Admin(ctx context.Context) (*User, error) {
	return r.scanOne(ctx,
		`SELECT id, username, password_hash, is_admin, created_at FROM users WHERE is_admin ORDER BY created_at LIMIT 1`)
}

func (r *UserRepo) scanOne(ctx context.Context, query string, args ...any) (*User, error) {
	var u User
	err := r.pool.QueryRow(ctx, query, args...).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("user not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load user", err)
	}
	return &u, nil
}
