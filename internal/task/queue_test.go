package task

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querystack/ragserve/internal/apperr"
	"github.com/querystack/ragserve/internal/embed"
	"github.com/querystack/ragserve/internal/keyword"
	"github.com/querystack/ragserve/internal/llm"
	"github.com/querystack/ragserve/internal/store"
	"github.com/querystack/ragserve/internal/vector"
)

type memTasks struct {
	mu          sync.Mutex
	transitions map[string][]string
	errors      map[string]string
	titles      map[string]string
}

func newMemTasks() *memTasks {
	return &memTasks{
		transitions: make(map[string][]string),
		errors:      make(map[string]string),
		titles:      make(map[string]string),
	}
}

func (m *memTasks) Create(_ context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[t.ID] = append(m.transitions[t.ID], store.TaskPending)
	return nil
}

func (m *memTasks) SetStatus(_ context.Context, id, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[id] = append(m.transitions[id], status)
	m.errors[id] = errMsg
	return nil
}

func (m *memTasks) SetTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[id] = title
	return nil
}

func (m *memTasks) history(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.transitions[id]...)
}

func (m *memTasks) lastError(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[id]
}

type memKnowledge struct {
	mu      sync.Mutex
	entries map[string]store.Knowledge
}

func newMemKnowledge() *memKnowledge {
	return &memKnowledge{entries: make(map[string]store.Knowledge)}
}

func (m *memKnowledge) Upsert(_ context.Context, k *store.Knowledge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[k.ID] = *k
	return nil
}

func (m *memKnowledge) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *memKnowledge) get(id string) (store.Knowledge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.entries[id]
	return k, ok
}

type memGroups struct {
	mu      sync.Mutex
	groups  map[string]store.Group // key owner/name
	members map[string][]string    // group id -> knowledge ids
}

func newMemGroups() *memGroups {
	return &memGroups{groups: make(map[string]store.Group), members: make(map[string][]string)}
}

func (m *memGroups) ByName(_ context.Context, ownerID, name string) (*store.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[ownerID+"/"+name]
	if !ok {
		return nil, apperr.NotFoundf("group %q not found", name)
	}
	return &g, nil
}

func (m *memGroups) Create(_ context.Context, g *store.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.OwnerID+"/"+g.Name] = *g
	return nil
}

func (m *memGroups) AddMember(_ context.Context, knowledgeID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[groupID] = append(m.members[groupID], knowledgeID)
	return nil
}

func (m *memGroups) GroupsOf(_ context.Context, knowledgeID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for gid, members := range m.members {
		for _, kid := range members {
			if kid == knowledgeID {
				ids = append(ids, gid)
				break
			}
		}
	}
	return ids, nil
}

type memVersions struct {
	mu       sync.Mutex
	versions map[string][]store.Version
}

func newMemVersions() *memVersions {
	return &memVersions{versions: make(map[string][]store.Version)}
}

func (m *memVersions) Create(_ context.Context, entryID, content string, metadata map[string]any, changeType, actor, reason string) (*store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := store.Version{
		EntryID:    entryID,
		Version:    len(m.versions[entryID]) + 1,
		Content:    content,
		Metadata:   metadata,
		ChangeType: changeType,
		Actor:      actor,
		Reason:     reason,
	}
	m.versions[entryID] = append(m.versions[entryID], v)
	return &v, nil
}

type harness struct {
	queue    *Queue
	tasks    *memTasks
	know     *memKnowledge
	groups   *memGroups
	versions *memVersions
	vectors  *vector.MemoryStore
	keywords *keyword.BleveIndex
	chat     *llm.ScriptedClient
}

func newHarness(t *testing.T, cfg Config, chat *llm.ScriptedClient) *harness {
	t.Helper()
	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}
	vectors := vector.NewMemoryStore()
	require.NoError(t, vectors.EnsureCollection(context.Background(), cfg.Collection, embed.StaticDimensions))
	keywords, err := keyword.Open("", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = keywords.Close() })

	h := &harness{
		tasks:    newMemTasks(),
		know:     newMemKnowledge(),
		groups:   newMemGroups(),
		versions: newMemVersions(),
		vectors:  vectors,
		keywords: keywords,
		chat:     chat,
	}
	h.queue = New(cfg, h.tasks, h.know, h.groups, h.versions,
		chat, embed.NewStaticEmbedder(), vectors, keywords, slog.Default())
	return h
}

const metadataJSON = `{"title": "Deployment guide", "summary": "How the service is deployed.", "keywords": ["deploy", "ops"], "tech_stack": ["docker"], "type": "guide"}`

func TestTaskLifecycleCompletes(t *testing.T) {
	h := newHarness(t, Config{}, llm.NewScriptedClient(metadataJSON))
	h.queue.Start()

	id, err := h.queue.Submit(context.Background(), Submission{
		TaskID:   "t1",
		Content:  "The service is deployed with docker compose on the ops host.",
		Category: "docs",
		OwnerID:  "u1",
		Username: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
	h.queue.Stop()

	assert.Equal(t, []string{store.TaskPending, store.TaskProcessing, store.TaskCompleted}, h.tasks.history("t1"))

	k, ok := h.know.get("t1")
	require.True(t, ok)
	assert.Equal(t, "Deployment guide", k.Title)
	assert.Equal(t, "How the service is deployed.", k.Summary)
	assert.Equal(t, []string{"deploy", "ops"}, k.Keywords)
	assert.Equal(t, []string{"docker"}, k.TechStack)
	assert.Equal(t, "u1", k.OwnerID)

	n, err := h.vectors.Count(context.Background(), "chunks")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	require.Len(t, h.versions.versions["t1"], 1)
	assert.Equal(t, store.ChangeCreate, h.versions.versions["t1"][0].ChangeType)
	assert.Equal(t, "alice", h.versions.versions["t1"][0].Actor)
}

func TestTaskMetadataFallback(t *testing.T) {
	content := strings.Repeat("x", 150)
	h := newHarness(t, Config{}, llm.NewScriptedClient("this is not json at all"))
	h.queue.Start()

	_, err := h.queue.Submit(context.Background(), Submission{TaskID: "t1", Content: content, OwnerID: "u1"})
	require.NoError(t, err)
	h.queue.Stop()

	k, ok := h.know.get("t1")
	require.True(t, ok)
	assert.Equal(t, "untitled", k.Title)
	assert.Equal(t, strings.Repeat("x", 100), k.Summary, "summary falls back to the first 100 chars")
}

func TestTaskMetadataInsideProse(t *testing.T) {
	h := newHarness(t, Config{}, llm.NewScriptedClient("Sure, here you go:\n```json\n"+metadataJSON+"\n```"))
	h.queue.Start()

	_, err := h.queue.Submit(context.Background(), Submission{TaskID: "t1", Content: "docker notes", OwnerID: "u1"})
	require.NoError(t, err)
	h.queue.Stop()

	k, ok := h.know.get("t1")
	require.True(t, ok)
	assert.Equal(t, "Deployment guide", k.Title)
}

// failingEmbedder fails every call.
type failingEmbedder struct{ embed.Embedder }

func (f *failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding endpoint down")
}

func TestTaskFailureMarksFailed(t *testing.T) {
	h := newHarness(t, Config{}, llm.NewScriptedClient(metadataJSON))
	h.queue.embedder = &failingEmbedder{}
	h.queue.Start()

	_, err := h.queue.Submit(context.Background(), Submission{TaskID: "t1", Content: "some content", OwnerID: "u1"})
	require.NoError(t, err)
	h.queue.Stop()

	history := h.tasks.history("t1")
	require.NotEmpty(t, history)
	assert.Equal(t, store.TaskFailed, history[len(history)-1])
	assert.Contains(t, h.tasks.lastError("t1"), "embedding")

	_, ok := h.know.get("t1")
	assert.False(t, ok, "no knowledge row on failure")
}

func TestTaskRetryDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, Config{}, llm.NewScriptedClient(metadataJSON))
	h.queue.Start()

	sub := Submission{TaskID: "t1", Content: "retryable content", OwnerID: "u1"}
	_, err := h.queue.Submit(context.Background(), sub)
	require.NoError(t, err)
	_, err = h.queue.Submit(context.Background(), sub)
	require.NoError(t, err)
	h.queue.Stop()

	n, err := h.vectors.Count(context.Background(), "chunks")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "same task id upserts in place")
}

func TestTaskJoinsGroups(t *testing.T) {
	h := newHarness(t, Config{}, llm.NewScriptedClient(metadataJSON))
	require.NoError(t, h.groups.Create(context.Background(),
		&store.Group{ID: "g-existing", Name: "infra", OwnerID: "u1"}))
	h.queue.Start()

	_, err := h.queue.Submit(context.Background(), Submission{
		TaskID:     "t1",
		Content:    "notes",
		OwnerID:    "u1",
		GroupNames: []string{"infra", "deploys"},
	})
	require.NoError(t, err)
	h.queue.Stop()

	assert.Equal(t, []string{"t1"}, h.groups.members["g-existing"])
	created, err := h.groups.ByName(context.Background(), "u1", "deploys")
	require.NoError(t, err, "missing group is created on demand")
	assert.Equal(t, []string{"t1"}, h.groups.members[created.ID])

	hits, err := h.vectors.Search(context.Background(), "chunks",
		mustEmbed(t, "notes"), 1, &vector.Filter{GroupIDs: []string{"g-existing"}}, -1)
	require.NoError(t, err)
	require.Len(t, hits, 1, "vector payload carries group ids")
}

func TestSubmitValidatesContent(t *testing.T) {
	h := newHarness(t, Config{}, llm.NewScriptedClient(metadataJSON))
	_, err := h.queue.Submit(context.Background(), Submission{TaskID: "t1", Content: "   "})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	// Workers never started, so the buffer fills.
	h := newHarness(t, Config{QueueSize: 1}, llm.NewScriptedClient(metadataJSON))

	_, err := h.queue.Submit(context.Background(), Submission{TaskID: "t1", Content: "a"})
	require.NoError(t, err)
	_, err = h.queue.Submit(context.Background(), Submission{TaskID: "t2", Content: "b"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))

	history := h.tasks.history("t2")
	assert.Equal(t, store.TaskFailed, history[len(history)-1])
}

func TestRestoreOverwritesPointAndRow(t *testing.T) {
	h := newHarness(t, Config{}, llm.NewScriptedClient(metadataJSON))
	h.queue.Start()

	_, err := h.queue.Submit(context.Background(), Submission{
		TaskID:     "t1",
		Content:    "current revision about kubernetes",
		OwnerID:    "u1",
		GroupNames: []string{"infra"},
	})
	require.NoError(t, err)
	h.queue.Stop()

	err = h.queue.Restore(context.Background(), &store.Knowledge{
		ID:       "t1",
		Title:    "Old deployment guide",
		Summary:  "The original docker setup.",
		OwnerID:  "u1",
		Category: "docs",
	}, "original revision about docker compose")
	require.NoError(t, err)

	k, ok := h.know.get("t1")
	require.True(t, ok)
	assert.Equal(t, "Old deployment guide", k.Title)
	assert.Equal(t, "original revision about docker compose", k.ContentPreview)

	n, err := h.vectors.Count(context.Background(), "chunks")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "restore overwrites the existing point")

	group, err := h.groups.ByName(context.Background(), "u1", "infra")
	require.NoError(t, err)
	hits, err := h.vectors.Search(context.Background(), "chunks",
		mustEmbed(t, "docker"), 1, &vector.Filter{GroupIDs: []string{group.ID}}, -1)
	require.NoError(t, err)
	require.Len(t, hits, 1, "group membership survives a restore")
}

func TestCompletedEntryIsKeywordSearchable(t *testing.T) {
	h := newHarness(t, Config{}, llm.NewScriptedClient(metadataJSON))
	h.queue.Start()

	_, err := h.queue.Submit(context.Background(), Submission{
		TaskID:   "t1",
		Content:  "The service is deployed with docker compose on the ops host.",
		Category: "docs",
		OwnerID:  "u1",
	})
	require.NoError(t, err)
	h.queue.Stop()

	results, err := h.keywords.Search(context.Background(), "deploy", 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results, "completed entries answer keyword queries")
	assert.Equal(t, "t1", results[0].ID)

	// The extracted title is indexed too, so title terms alone also hit.
	results, err = h.keywords.Search(context.Background(), "deployment guide", 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "t1", results[0].ID)
}

func TestRestoreRefreshesKeywordDocument(t *testing.T) {
	h := newHarness(t, Config{}, llm.NewScriptedClient(metadataJSON))
	h.queue.Start()

	_, err := h.queue.Submit(context.Background(), Submission{
		TaskID: "t1", Content: "current revision about kubernetes", OwnerID: "u1",
	})
	require.NoError(t, err)
	h.queue.Stop()

	require.NoError(t, h.queue.Restore(context.Background(), &store.Knowledge{
		ID: "t1", Title: "Old deployment guide", OwnerID: "u1", Category: "docs",
	}, "original revision about ansible playbooks"))

	results, err := h.keywords.Search(context.Background(), "ansible", 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "t1", results[0].ID)

	n, err := h.keywords.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "restore replaces the document in place")
}

func TestRemoveDeletesFromAllStores(t *testing.T) {
	h := newHarness(t, Config{}, llm.NewScriptedClient(metadataJSON))
	h.queue.Start()

	_, err := h.queue.Submit(context.Background(), Submission{
		TaskID: "t1", Content: "doomed entry about docker", OwnerID: "u1",
	})
	require.NoError(t, err)
	h.queue.Stop()

	entry, ok := h.know.get("t1")
	require.True(t, ok)
	require.NoError(t, h.queue.Remove(context.Background(), &entry))

	_, ok = h.know.get("t1")
	assert.False(t, ok)

	n, err := h.vectors.Count(context.Background(), "chunks")
	require.NoError(t, err)
	assert.Zero(t, n)

	kn, err := h.keywords.DocCount()
	require.NoError(t, err)
	assert.Zero(t, kn)
}

func mustEmbed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embed.NewStaticEmbedder().Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}
