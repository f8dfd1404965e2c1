package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/querystack/ragserve/internal/apperr"
	"github.com/querystack/ragserve/internal/audit"
	"github.com/querystack/ragserve/internal/qa"
	"github.com/querystack/ragserve/internal/search"
	"github.com/querystack/ragserve/internal/store"
	"github.com/querystack/ragserve/internal/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.cfg.ServiceName,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Username     string `json:"username"`
	IsAdmin      bool   `json:"is_admin"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, r, apperr.Validationf("username and password are required"))
		return
	}

	pair, user, err := s.deps.Auth.Login(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		Username:     user.Username,
		IsAdmin:      user.IsAdmin,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		s.writeError(w, r, apperr.Validationf("refresh_token is required"))
		return
	}

	pair, err := s.deps.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleMCPVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, err := s.deps.Keys.Verify(r.Context(), req.APIKey)
	if apperr.KindOf(err) == apperr.KindAuth {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"valid":   false,
			"message": apperr.ClientMessage(err),
		})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"message": "api key is valid",
		"name":    user.Username,
	})
}

type queryRequest struct {
	Question    string         `json:"question"`
	TopK        int            `json:"top_k"`
	Filters     map[string]any `json:"filters"`
	GroupIDs    []string       `json:"group_ids"`
	UseHistory  bool           `json:"use_history"`
	UseCache    *bool          `json:"use_cache"`
	UseReranker *bool          `json:"use_reranker"`
	Rewrite     string         `json:"rewrite"`
}

func (s *Server) qaRequest(req queryRequest, user *store.User) qa.Request {
	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}
	useReranker := s.cfg.RerankerDefault
	if req.UseReranker != nil {
		useReranker = *req.UseReranker
	}
	return qa.Request{
		Question:    req.Question,
		K:           req.TopK,
		Filters:     req.Filters,
		GroupIDs:    req.GroupIDs,
		OwnerID:     user.ID,
		Admin:       user.IsAdmin,
		UseHistory:  req.UseHistory,
		UseCache:    useCache,
		UseReranker: useReranker,
		Rewrite:     search.RewriteMode(req.Rewrite),
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Question == "" {
		s.writeError(w, r, apperr.Validationf("question is required"))
		return
	}

	qreq := s.qaRequest(req, user)
	resp, err := s.deps.QA.Query(r.Context(), qreq)
	s.auditQuery("query", r, user, qreq, resp, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Question == "" {
		s.writeError(w, r, apperr.Validationf("question is required"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, apperr.Internal("streaming unsupported by connection", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disables proxy buffering so chunks reach the client as they are produced.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	emit := func(ev qa.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	qreq := s.qaRequest(req, user)
	resp, err := s.deps.QA.QueryStream(r.Context(), qreq, emit)
	// Failures were already delivered as error events on the stream.
	s.auditQuery("query_stream", r, user, qreq, resp, err)
}

func (s *Server) auditQuery(kind string, r *http.Request, user *store.User, qreq qa.Request, resp *qa.Response, err error) {
	if s.deps.Audit == nil {
		return
	}
	rec := audit.Record{
		Model:       s.cfg.Model,
		Provider:    s.cfg.Provider,
		UserID:      user.ID,
		RequestKind: kind,
		Question:    qreq.Question,
		Reranked:    qreq.UseReranker,
		Err:         err,
		ClientIP:    clientIP(r),
		UserAgent:   r.UserAgent(),
	}
	if resp != nil {
		rec.Answer = resp.Answer
		rec.InputTokens = resp.Usage.InputTokens
		rec.OutputTokens = resp.Usage.OutputTokens
		rec.TotalTokens = resp.Usage.TotalTokens
		rec.RetrievalTime = resp.RetrievalTime
		rec.LLMTime = resp.LLMTime
		rec.RetrievalCount = resp.RetrievedCount
	}
	s.deps.Audit.Write(rec)
}

func (s *Server) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	s.deps.QA.ResetHistory(user.ID)
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Query          string         `json:"query"`
	TopK           int            `json:"top_k"`
	Filters        map[string]any `json:"filters"`
	GroupIDs       []string       `json:"group_ids"`
	ScoreThreshold float64        `json:"score_threshold"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Query == "" {
		s.writeError(w, r, apperr.Validationf("query is required"))
		return
	}

	results, err := s.deps.Search.Search(r.Context(), req.Query, search.Options{
		K:        req.TopK,
		OwnerID:  user.ID,
		Admin:    user.IsAdmin,
		GroupIDs: req.GroupIDs,
		Filters:  req.Filters,
		MinScore: req.ScoreThreshold,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

type addKnowledgeRequest struct {
	Content    string   `json:"content"`
	Title      string   `json:"title"`
	Category   string   `json:"category"`
	GroupNames []string `json:"group_names"`
	IsPublic   bool     `json:"is_public"`
}

func (s *Server) handleAddKnowledge(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	var req addKnowledgeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	taskID, err := s.deps.Tasks.Submit(r.Context(), task.Submission{
		Content:    req.Content,
		Title:      req.Title,
		Category:   req.Category,
		GroupNames: req.GroupNames,
		OwnerID:    user.ID,
		Username:   user.Username,
		IsPublic:   req.IsPublic,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

type taskStatusResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Title    string `json:"title,omitempty"`
	ResultID string `json:"result_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	id := chi.URLParam(r, "task_id")

	t, err := s.deps.TaskStore.ByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if t.OwnerID != user.ID && !user.IsAdmin {
		s.writeError(w, r, apperr.NotFoundf("task %s not found", id))
		return
	}

	resp := taskStatusResponse{TaskID: t.ID, Status: t.Status, Title: t.Title}
	switch t.Status {
	case store.TaskCompleted:
		resp.ResultID = t.ID
	case store.TaskFailed:
		resp.Message = t.Error
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type groupView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     string    `json:"owner_id"`
	IsPublic    bool      `json:"is_public"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewGroup(g store.Group) groupView {
	return groupView{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		OwnerID:     g.OwnerID,
		IsPublic:    g.IsPublic,
		CreatedAt:   g.CreatedAt,
	}
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	if s.deps.Groups == nil {
		s.writeError(w, r, apperr.NotFoundf("groups are not enabled"))
		return
	}
	user, _ := UserFrom(r.Context())

	groups, err := s.deps.Groups.ListVisible(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, viewGroup(g))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"groups": views,
		"count":  len(views),
	})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Groups == nil {
		s.writeError(w, r, apperr.NotFoundf("groups are not enabled"))
		return
	}
	user, _ := UserFrom(r.Context())
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		IsPublic    bool   `json:"is_public"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, r, apperr.Validationf("name is required"))
		return
	}

	g := store.Group{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     user.ID,
		IsPublic:    req.IsPublic,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deps.Groups.Create(r.Context(), &g); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, viewGroup(g))
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Groups == nil {
		s.writeError(w, r, apperr.NotFoundf("groups are not enabled"))
		return
	}
	user, _ := UserFrom(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.deps.Groups.Delete(r.Context(), user.ID, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, r, apperr.NotFoundf("scheduler is not enabled"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}

func (s *Server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, r, apperr.NotFoundf("scheduler is not enabled"))
		return
	}
	user, _ := UserFrom(r.Context())
	if !user.IsAdmin {
		s.writeError(w, r, apperr.New(apperr.KindForbidden, "administrator access required"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"triggered": s.deps.Scheduler.Trigger()})
}
