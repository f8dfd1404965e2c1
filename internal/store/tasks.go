package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querystack/ragserve/internal/apperr"
)

// maxTaskErrorLen bounds the persisted error message.
const maxTaskErrorLen = 500

// TaskRepo persists task status transitions.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// Create inserts a pending task row.
func (r *TaskRepo) Create(ctx context.Context, t *Task) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, title, category, owner_id) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, TaskPending, t.Title, t.Category, t.OwnerID)
	if err != nil {
		return apperr.Internal("failed to create task", err)
	}
	return nil
}

// SetStatus records a lifecycle transition. The error message, if any, is
// truncated before persisting.
func (r *TaskRepo) SetStatus(ctx context.Context, id, status, errMsg string) error {
	if len(errMsg) > maxTaskErrorLen {
		errMsg = errMsg[:maxTaskErrorLen]
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, status, errMsg)
	if err != nil {
		return apperr.Internal("failed to update task status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("task %s not found", id)
	}
	return nil
}

// SetTitle updates the title once metadata extraction has run.
func (r *TaskRepo) SetTitle(ctx context.Context, id, title string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE tasks SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	if err != nil {
		return apperr.Internal("failed to update task title", err)
	}
	return nil
}

// ByID fetches a task.
func (r *TaskRepo) ByID(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := r.pool.QueryRow(ctx,
		`SELECT id, status, title, category, owner_id, error, created_at, updated_at
		 FROM tasks WHERE id = $1`, id).
		Scan(&t.ID, &t.Status, &t.Title, &t.Category, &t.OwnerID, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("task %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("failed to load task", err)
	}
	return &t, nil
}
