package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/querystack/ragserve/internal/apperr"
	"github.com/querystack/ragserve/internal/store"
)

const defaultKnowledgePageSize = 50

type knowledgeView struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Category       string    `json:"category"`
	Summary        string    `json:"summary"`
	Keywords       []string  `json:"keywords"`
	TechStack      []string  `json:"tech_stack"`
	ContentPreview string    `json:"content_preview"`
	OwnerID        string    `json:"owner_id"`
	IsPublic       bool      `json:"is_public"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func viewKnowledge(k store.Knowledge) knowledgeView {
	return knowledgeView{
		ID:             k.ID,
		Title:          k.Title,
		Category:       k.Category,
		Summary:        k.Summary,
		Keywords:       k.Keywords,
		TechStack:      k.TechStack,
		ContentPreview: k.ContentPreview,
		OwnerID:        k.OwnerID,
		IsPublic:       k.IsPublic,
		CreatedAt:      k.CreatedAt,
		UpdatedAt:      k.UpdatedAt,
	}
}

func (s *Server) handleListKnowledge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Knowledge == nil {
		s.writeError(w, r, apperr.NotFoundf("knowledge store is not enabled"))
		return
	}
	user, _ := UserFrom(r.Context())

	limit := queryInt(r, "limit", defaultKnowledgePageSize)
	if limit < 1 || limit > 500 {
		limit = defaultKnowledgePageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	entries, err := s.deps.Knowledge.ListVisible(r.Context(), user.ID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]knowledgeView, 0, len(entries))
	for _, k := range entries {
		views = append(views, viewKnowledge(k))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entries": views,
		"count":   len(views),
	})
}

func (s *Server) handleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	entry, err := s.visibleEntry(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Tasks.Remove(r.Context(), entry); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type versionView struct {
	Version    int       `json:"version"`
	ChangeType string    `json:"change_type"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	entry, err := s.visibleEntry(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	versions, err := s.deps.Versions.List(r.Context(), entry.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]versionView, 0, len(versions))
	for _, v := range versions {
		views = append(views, versionView{
			Version:    v.Version,
			ChangeType: v.ChangeType,
			Actor:      v.Actor,
			Reason:     v.Reason,
			CreatedAt:  v.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entry_id": entry.ID,
		"versions": views,
		"count":    len(views),
	})
}

type rollbackRequest struct {
	Version int    `json:"version"`
	Reason  string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	entry, err := s.visibleEntry(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, _ := UserFrom(r.Context())

	var req rollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Version < 1 {
		s.writeError(w, r, apperr.Validationf("version must be a positive integer"))
		return
	}

	v, err := s.deps.Versions.RollbackTo(r.Context(), entry.ID, req.Version, user.Username, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	restored := entryFromVersion(entry, v)
	if err := s.deps.Tasks.Restore(r.Context(), restored, v.Content); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entry_id":      entry.ID,
		"version":       v.Version,
		"restored_from": req.Version,
	})
}

// visibleEntry loads the entry in the URL and enforces owner-or-admin
// visibility. Foreign entries read as not found.
func (s *Server) visibleEntry(r *http.Request) (*store.Knowledge, error) {
	if s.deps.Knowledge == nil || s.deps.Versions == nil {
		return nil, apperr.NotFoundf("knowledge versioning is not enabled")
	}
	user, _ := UserFrom(r.Context())
	id := chi.URLParam(r, "id")

	entry, err := s.deps.Knowledge.ByID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if entry.OwnerID != user.ID && !user.IsAdmin {
		return nil, apperr.NotFoundf("knowledge entry %s not found", id)
	}
	return entry, nil
}

// entryFromVersion rebuilds the relational row from a version snapshot.
// Identity and ownership come from the live entry; everything the snapshot
// captured overrides the current values. Version metadata round-trips
// through JSONB, so lists arrive as []any.
func entryFromVersion(entry *store.Knowledge, v *store.Version) *store.Knowledge {
	restored := *entry
	if t := metaString(v.Metadata, "title"); t != "" {
		restored.Title = t
	}
	if sum := metaString(v.Metadata, "summary"); sum != "" {
		restored.Summary = sum
	}
	if c := metaString(v.Metadata, "category"); c != "" {
		restored.Category = c
	}
	if kw := metaStrings(v.Metadata, "keywords"); kw != nil {
		restored.Keywords = kw
	}
	if ts := metaStrings(v.Metadata, "tech_stack"); ts != nil {
		restored.TechStack = ts
	}
	if p, ok := v.Metadata["is_public"].(bool); ok {
		restored.IsPublic = p
	}
	return &restored
}

func metaString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func metaStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
