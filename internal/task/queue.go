// Package task runs the asynchronous knowledge-ingestion queue: a bounded
// in-process FIFO drained by a fixed worker pool, with every lifecycle
// transition persisted.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/querystack/ragserve/internal/apperr"
	"github.com/querystack/ragserve/internal/embed"
	"github.com/querystack/ragserve/internal/keyword"
	"github.com/querystack/ragserve/internal/llm"
	"github.com/querystack/ragserve/internal/store"
	"github.com/querystack/ragserve/internal/vector"
)

// Queue defaults.
const (
	DefaultWorkers   = 3
	DefaultQueueSize = 100

	fallbackTitle       = "untitled"
	fallbackSummaryLen  = 100
	contentPreviewChars = 300
)

// Submission is one queued knowledge entry.
type Submission struct {
	TaskID     string
	Content    string
	Title      string
	Category   string
	GroupNames []string
	OwnerID    string
	Username   string
	IsPublic   bool
}

// Metadata is the LLM-extracted description of a submission.
type Metadata struct {
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	Keywords  []string `json:"keywords"`
	TechStack []string `json:"tech_stack"`
	Type      string   `json:"type"`
}

// TaskStore persists lifecycle transitions.
type TaskStore interface {
	Create(ctx context.Context, t *store.Task) error
	SetStatus(ctx context.Context, id, status, errMsg string) error
	SetTitle(ctx context.Context, id, title string) error
}

// KnowledgeStore persists the relational knowledge row.
type KnowledgeStore interface {
	Upsert(ctx context.Context, k *store.Knowledge) error
	Delete(ctx context.Context, id string) error
}

// GroupStore resolves and joins knowledge groups.
type GroupStore interface {
	ByName(ctx context.Context, ownerID, name string) (*store.Group, error)
	Create(ctx context.Context, g *store.Group) error
	AddMember(ctx context.Context, knowledgeID, groupID string) error
	GroupsOf(ctx context.Context, knowledgeID string) ([]string, error)
}

// VersionStore appends content snapshots. Optional.
type VersionStore interface {
	Create(ctx context.Context, entryID, content string, metadata map[string]any, changeType, actor, reason string) (*store.Version, error)
}

// Config tunes the queue.
type Config struct {
	Workers    int
	QueueSize  int
	Collection string
}

// Queue is the worker pool.
type Queue struct {
	cfg      Config
	tasks    TaskStore
	know     KnowledgeStore
	groups   GroupStore
	versions VersionStore
	chat     llm.Client
	embedder embed.Embedder
	vectors  vector.Store
	keywords keyword.Index
	logger   *slog.Logger

	ch     chan Submission
	wg     sync.WaitGroup
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a queue. versions may be nil to skip snapshot tracking.
func New(cfg Config, tasks TaskStore, know KnowledgeStore, groups GroupStore, versions VersionStore,
	chat llm.Client, embedder embed.Embedder, vectors vector.Store, keywords keyword.Index, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Queue{
		cfg:      cfg,
		tasks:    tasks,
		know:     know,
		groups:   groups,
		versions: versions,
		chat:     chat,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		logger:   logger,
		ch:       make(chan Submission, cfg.QueueSize),
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		for i := 0; i < q.cfg.Workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx)
		}
	})
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.ch)
		q.wg.Wait()
		if q.cancel != nil {
			q.cancel()
		}
	})
}

// Submit persists a pending task row and enqueues the submission. A full
// queue is reported as a rate-limited condition rather than blocking the
// caller.
func (q *Queue) Submit(ctx context.Context, sub Submission) (string, error) {
	if strings.TrimSpace(sub.Content) == "" {
		return "", apperr.Validationf("content must not be empty")
	}
	if sub.TaskID == "" {
		sub.TaskID = uuid.NewString()
	}
	if err := q.tasks.Create(ctx, &store.Task{
		ID:       sub.TaskID,
		Status:   store.TaskPending,
		Title:    sub.Title,
		Category: sub.Category,
		OwnerID:  sub.OwnerID,
	}); err != nil {
		return "", err
	}

	select {
	case q.ch <- sub:
		return sub.TaskID, nil
	default:
		_ = q.tasks.SetStatus(ctx, sub.TaskID, store.TaskFailed, "queue full")
		return "", apperr.RateLimited("task queue is full", 0)
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for sub := range q.ch {
		q.process(ctx, sub)
	}
}

// process runs one submission through extraction, embedding, and the dual
// write. Any step's failure marks the task failed with a truncated error.
func (q *Queue) process(ctx context.Context, sub Submission) {
	if err := q.tasks.SetStatus(ctx, sub.TaskID, store.TaskProcessing, ""); err != nil {
		q.logger.Warn("task_status_write_failed",
			slog.String("task_id", sub.TaskID), slog.String("error", err.Error()))
	}

	if err := q.run(ctx, sub); err != nil {
		q.logger.Warn("task_failed",
			slog.String("task_id", sub.TaskID), slog.String("error", err.Error()))
		_ = q.tasks.SetStatus(ctx, sub.TaskID, store.TaskFailed, err.Error())
		return
	}
	_ = q.tasks.SetStatus(ctx, sub.TaskID, store.TaskCompleted, "")
}

func (q *Queue) run(ctx context.Context, sub Submission) error {
	meta := q.extractMetadata(ctx, sub)
	if meta.Title != sub.Title {
		_ = q.tasks.SetTitle(ctx, sub.TaskID, meta.Title)
	}

	enhanced := buildEnhancedContent(meta, sub.Content)
	vec, err := q.embedder.Embed(ctx, enhanced)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	// The point id equals the task id, so a retry overwrites instead of
	// duplicating.
	if err := q.vectors.Upsert(ctx, q.cfg.Collection, []vector.Point{{
		ID:     sub.TaskID,
		Vector: vec,
		Payload: map[string]any{
			"content":          enhanced,
			"original_content": sub.Content,
			"file_path":        "knowledge/" + sub.TaskID,
			"type":             "knowledge",
			"doc_type":         meta.Type,
			"chunk_index":      0,
			"title":            meta.Title,
			"owner_id":         sub.OwnerID,
			"is_public":        sub.IsPublic,
			"group_ids":        []string{},
		},
	}}); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}

	entry := &store.Knowledge{
		ID:             sub.TaskID,
		Title:          meta.Title,
		Category:       sub.Category,
		Summary:        meta.Summary,
		Keywords:       meta.Keywords,
		TechStack:      meta.TechStack,
		ContentPreview: preview(sub.Content, contentPreviewChars),
		OwnerID:        sub.OwnerID,
		IsPublic:       sub.IsPublic,
	}
	if err := q.know.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("knowledge write failed: %w", err)
	}

	if q.versions != nil {
		if _, err := q.versions.Create(ctx, sub.TaskID, sub.Content, map[string]any{
			"title":      meta.Title,
			"summary":    meta.Summary,
			"keywords":   meta.Keywords,
			"tech_stack": meta.TechStack,
		}, store.ChangeCreate, sub.Username, "initial submission"); err != nil {
			return fmt.Errorf("version write failed: %w", err)
		}
	}

	groupIDs, err := q.joinGroups(ctx, sub)
	if err != nil {
		return err
	}
	if len(groupIDs) > 0 {
		if err := q.vectors.SetPayload(ctx, q.cfg.Collection, []string{sub.TaskID},
			map[string]any{"group_ids": groupIDs}); err != nil {
			return fmt.Errorf("group tag write failed: %w", err)
		}
	}

	if err := q.keywords.Add(ctx, []keyword.Document{{
		ID:       sub.TaskID,
		Content:  enhanced,
		Title:    meta.Title,
		Category: sub.Category,
		FilePath: "knowledge/" + sub.TaskID,
		OwnerID:  sub.OwnerID,
		IsPublic: sub.IsPublic,
		GroupIDs: groupIDs,
	}}); err != nil {
		return fmt.Errorf("keyword index write failed: %w", err)
	}
	return nil
}

// Restore synchronously re-applies a prior snapshot of a knowledge entry:
// the enhanced content is re-embedded, the vector point and keyword document
// overwritten in place, and the relational row updated. Group membership is
// untouched.
func (q *Queue) Restore(ctx context.Context, entry *store.Knowledge, content string) error {
	meta := Metadata{
		Title:     entry.Title,
		Summary:   entry.Summary,
		Keywords:  entry.Keywords,
		TechStack: entry.TechStack,
		Type:      entry.Category,
	}
	enhanced := buildEnhancedContent(meta, content)
	vec, err := q.embedder.Embed(ctx, enhanced)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	groupIDs, err := q.groups.GroupsOf(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("group lookup failed: %w", err)
	}
	if groupIDs == nil {
		groupIDs = []string{}
	}
	if err := q.vectors.Upsert(ctx, q.cfg.Collection, []vector.Point{{
		ID:     entry.ID,
		Vector: vec,
		Payload: map[string]any{
			"content":          enhanced,
			"original_content": content,
			"file_path":        "knowledge/" + entry.ID,
			"type":             "knowledge",
			"doc_type":         meta.Type,
			"chunk_index":      0,
			"title":            meta.Title,
			"owner_id":         entry.OwnerID,
			"is_public":        entry.IsPublic,
			"group_ids":        groupIDs,
		},
	}}); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}

	if err := q.keywords.Add(ctx, []keyword.Document{{
		ID:       entry.ID,
		Content:  enhanced,
		Title:    entry.Title,
		Category: entry.Category,
		FilePath: "knowledge/" + entry.ID,
		OwnerID:  entry.OwnerID,
		IsPublic: entry.IsPublic,
		GroupIDs: groupIDs,
	}}); err != nil {
		return fmt.Errorf("keyword index write failed: %w", err)
	}

	restored := *entry
	restored.ContentPreview = preview(content, contentPreviewChars)
	if err := q.know.Upsert(ctx, &restored); err != nil {
		return fmt.Errorf("knowledge write failed: %w", err)
	}
	return nil
}

// Remove deletes a knowledge entry everywhere it was written: the vector
// point, the keyword document, and the relational row. Version history and
// group memberships follow the row through the schema's cascades.
func (q *Queue) Remove(ctx context.Context, entry *store.Knowledge) error {
	if err := q.vectors.Delete(ctx, q.cfg.Collection, []string{entry.ID}); err != nil {
		return fmt.Errorf("vector delete failed: %w", err)
	}
	if err := q.keywords.Delete(ctx, []string{entry.ID}); err != nil {
		return fmt.Errorf("keyword delete failed: %w", err)
	}
	if err := q.know.Delete(ctx, entry.ID); err != nil {
		return fmt.Errorf("knowledge delete failed: %w", err)
	}
	return nil
}

// extractMetadata asks the model for a structured description. Parse or call
// failure falls back to deterministic defaults.
func (q *Queue) extractMetadata(ctx context.Context, sub Submission) Metadata {
	fallback := Metadata{
		Title:   sub.Title,
		Summary: preview(sub.Content, fallbackSummaryLen),
		Type:    sub.Category,
	}
	if fallback.Title == "" {
		fallback.Title = fallbackTitle
	}

	prompt := fmt.Sprintf(`Extract metadata from the following content. Reply with a single JSON object shaped as {"title": string, "summary": string, "keywords": [string], "tech_stack": [string], "type": string} and nothing else.

Content:
%s`, preview(sub.Content, 4000))

	answer, _, err := q.chat.Chat(ctx, llm.Request{Messages: []llm.Message{llm.User(prompt)}})
	if err != nil {
		q.logger.Warn("metadata_extraction_failed",
			slog.String("task_id", sub.TaskID), slog.String("error", err.Error()))
		return fallback
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(extractJSON(answer)), &meta); err != nil {
		q.logger.Warn("metadata_parse_failed",
			slog.String("task_id", sub.TaskID), slog.String("error", err.Error()))
		return fallback
	}
	if meta.Title == "" {
		meta.Title = fallback.Title
	}
	if meta.Summary == "" {
		meta.Summary = fallback.Summary
	}
	if meta.Type == "" {
		meta.Type = sub.Category
	}
	return meta
}

// joinGroups resolves each requested group by name, creating missing ones,
// and joins the entry.
func (q *Queue) joinGroups(ctx context.Context, sub Submission) ([]string, error) {
	var ids []string
	for _, name := range sub.GroupNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		g, err := q.groups.ByName(ctx, sub.OwnerID, name)
		if apperr.KindOf(err) == apperr.KindNotFound {
			g = &store.Group{ID: uuid.NewString(), Name: name, OwnerID: sub.OwnerID}
			if err := q.groups.Create(ctx, g); err != nil {
				return nil, fmt.Errorf("group create failed: %w", err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("group lookup failed: %w", err)
		}
		if err := q.groups.AddMember(ctx, sub.TaskID, g.ID); err != nil {
			return nil, fmt.Errorf("group join failed: %w", err)
		}
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// buildEnhancedContent prepends the extracted metadata so the embedding
// carries it.
func buildEnhancedContent(meta Metadata, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", meta.Title)
	if meta.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", meta.Summary)
	}
	if len(meta.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(meta.Keywords, ", "))
	}
	if len(meta.TechStack) > 0 {
		fmt.Fprintf(&b, "Tech stack: %s\n", strings.Join(meta.TechStack, ", "))
	}
	b.WriteString("\n")
	b.WriteString(content)
	return b.String()
}

// extractJSON strips code fences and surrounding prose around a JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func preview(s string, max int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}
