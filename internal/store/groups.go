package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querystack/ragserve/internal/apperr"
)

// GroupRepo persists knowledge groups and their membership.
type GroupRepo struct {
	pool *pgxpool.Pool
}

// Create inserts a group.
func (r *GroupRepo) Create(ctx context.Context, g *Group) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO knowledge_groups (id, name, description, owner_id, is_public) VALUES ($1, $2, $3, $4, $5)`,
		g.ID, g.Name, g.Description, g.OwnerID, g.IsPublic)
	if err != nil {
		return apperr.Internal("failed to create group", err)
	}
	return nil
}

// ByName resolves a group by owner and name.
func (r *GroupRepo) ByName(ctx context.Context, ownerID, name string) (*Group, error) {
	var g Group
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, owner_id, is_public, created_at
		 FROM knowledge_groups WHERE owner_id = $1 AND name = $2`, ownerID, name).
		Scan(&g.ID, &g.Name, &g.Description, &g.OwnerID, &g.IsPublic, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("group %q not found", name)
	}
	if err != nil {
		return nil, apperr.Internal("failed to load group", err)
	}
	return &g, nil
}

// ListVisible lists the user's own groups plus public groups.
func (r *GroupRepo) ListVisible(ctx context.Context, ownerID string) ([]Group, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, owner_id, is_public, created_at
		 FROM knowledge_groups WHERE owner_id = $1 OR is_public ORDER BY name`, ownerID)
	if err != nil {
		return nil, apperr.Internal("failed to list groups", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.OwnerID, &g.IsPublic, &g.CreatedAt); err != nil {
			return nil, apperr.Internal("failed to scan group row", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("failed to read group rows", err)
	}
	return out, nil
}

// Delete removes a group owned by ownerID. Membership rows cascade.
func (r *GroupRepo) Delete(ctx context.Context, ownerID, id string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM knowledge_groups WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return apperr.Internal("failed to delete group", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("group %s not found", id)
	}
	return nil
}

// AddMember joins a knowledge entry to a group. Idempotent.
func (r *GroupRepo) AddMember(ctx context.Context, knowledgeID, groupID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO knowledge_group_members (knowledge_id, group_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, knowledgeID, groupID)
	if err != nil {
		return apperr.Internal("failed to add group member", err)
	}
	return nil
}

// RemoveMember removes a knowledge entry from a group.
func (r *GroupRepo) RemoveMember(ctx context.Context, knowledgeID, groupID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM knowledge_group_members WHERE knowledge_id = $1 AND group_id = $2`,
		knowledgeID, groupID)
	if err != nil {
		return apperr.Internal("failed to remove group member", err)
	}
	return nil
}

// GroupsOf returns the group ids a knowledge entry belongs to.
func (r *GroupRepo) GroupsOf(ctx context.Context, knowledgeID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT group_id FROM knowledge_group_members WHERE knowledge_id = $1`, knowledgeID)
	if err != nil {
		return nil, apperr.Internal("failed to list entry groups", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Internal("failed to scan entry group row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("failed to read entry group rows", err)
	}
	return ids, nil
}

// MemberIDs returns the knowledge ids in a group.
func (r *GroupRepo) MemberIDs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT knowledge_id FROM knowledge_group_members WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, apperr.Internal("failed to list group members", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Internal("failed to scan member row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("failed to read member rows", err)
	}
	return ids, nil
}
