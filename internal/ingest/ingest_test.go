package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querystack/ragserve/internal/apperr"
	"github.com/querystack/ragserve/internal/embed"
	"github.com/querystack/ragserve/internal/keyword"
	"github.com/querystack/ragserve/internal/store"
	"github.com/querystack/ragserve/internal/vector"
)

// memState is an in-memory StateStore.
type memState struct {
	mu sync.Mutex
	m  map[string]store.IndexState
}

func newMemState() *memState { return &memState{m: make(map[string]store.IndexState)} }

func (s *memState) Get(_ context.Context, path string) (*store.IndexState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.m[path]; ok {
		out := st
		return &out, nil
	}
	return nil, apperr.NotFoundf("no index state for %s", path)
}

func (s *memState) All(_ context.Context) (map[string]store.IndexState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]store.IndexState, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out, nil
}

func (s *memState) Put(_ context.Context, st *store.IndexState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[st.FilePath] = *st
	return nil
}

func (s *memState) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, path)
	return nil
}

func (s *memState) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]store.IndexState)
	return nil
}

type fixture struct {
	root    string
	coord   *Coordinator
	vectors *vector.MemoryStore
	kw      *keyword.BleveIndex
	state   *memState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	embedder := embed.NewStaticEmbedder()
	vectors := vector.NewMemoryStore()
	require.NoError(t, vectors.EnsureCollection(context.Background(), "chunks", embed.StaticDimensions))
	kw, err := keyword.Open("", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })
	state := newMemState()

	coord := New(Config{
		Collection: "chunks",
		Root:       root,
		Workers:    2,
		OwnerID:    "u1",
	}, embedder, vectors, kw, state, slog.Default())

	return &fixture{root: root, coord: coord, vectors: vectors, kw: kw, state: state}
}

func (f *fixture) write(t *testing.T, rel, content string) string {
	t.Helper()
	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

func TestIndexTreeIndexesNewFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "docs/guide.md", "# Guide\n\nHow the scheduler works.\n")
	f.write(t, "svc/queue.py", "def submit(item):\n    return item\n")
	f.write(t, "image.png", "not indexable")

	stats, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Indexed)
	assert.Zero(t, stats.Errors)

	n, err := f.vectors.Count(context.Background(), "chunks")
	require.NoError(t, err)
	assert.Greater(t, n, uint64(0))

	kn, err := f.kw.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(n), kn, "both stores hold the same chunks")

	st, err := f.state.Get(context.Background(), "docs/guide.md")
	require.NoError(t, err)
	assert.NotEmpty(t, st.PointIDs)
	assert.NotEmpty(t, st.ContentHash)
}

func TestIndexTreeSkipsUnchanged(t *testing.T) {
	f := newFixture(t)
	f.write(t, "docs/guide.md", "# Guide\n\nBody.\n")

	_, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)

	stats, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, stats.Indexed)
	assert.Equal(t, 1, stats.Skipped)
}

func TestIndexTreeReindexesModified(t *testing.T) {
	f := newFixture(t)
	abs := f.write(t, "docs/guide.md", "# Guide\n\nOriginal body.\n")

	_, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)

	f.write(t, "docs/guide.md", "# Guide\n\nChanged body entirely.\n")
	past := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(abs, past, past))

	stats, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
}

func TestIndexTreeMTimeChangeSameContent(t *testing.T) {
	f := newFixture(t)
	abs := f.write(t, "docs/guide.md", "# Guide\n\nStable body.\n")

	_, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)

	// Touch without changing content; the hash check must prevent reindex.
	later := time.Now().Add(5 * time.Second)
	require.NoError(t, os.Chtimes(abs, later, later))

	stats, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, stats.Indexed)
	assert.Equal(t, 1, stats.Skipped)
}

func TestIndexTreeDeletesRemovedFiles(t *testing.T) {
	f := newFixture(t)
	abs := f.write(t, "docs/gone.md", "# Gone\n\nSoon deleted.\n")
	f.write(t, "docs/stays.md", "# Stays\n\nKept around.\n")

	_, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)

	require.NoError(t, os.Remove(abs))
	stats, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	_, err = f.state.Get(context.Background(), "docs/gone.md")
	assert.Error(t, err)

	n, err := f.vectors.Count(context.Background(), "chunks")
	require.NoError(t, err)
	kn, err := f.kw.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(n), kn)
}

func TestDeleteFileRemovesBothStores(t *testing.T) {
	f := newFixture(t)
	f.write(t, "docs/doomed.md", "# Doomed\n\nContent to remove.\n")

	_, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)

	require.NoError(t, f.coord.DeleteFile(context.Background(), "docs/doomed.md"))

	n, err := f.vectors.Count(context.Background(), "chunks")
	require.NoError(t, err)
	assert.Zero(t, n)
	kn, err := f.kw.DocCount()
	require.NoError(t, err)
	assert.Zero(t, kn)
}

func TestShrinkingFileDropsStaleChunks(t *testing.T) {
	f := newFixture(t)
	long := "# Doc\n\n" +
		"## A\n\nSection body a.\n\n## B\n\nSection body b.\n\n## C\n\nSection body c.\n"
	abs := f.write(t, "docs/shrink.md", long)

	_, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)
	before, _ := f.vectors.Count(context.Background(), "chunks")

	f.write(t, "docs/shrink.md", "# Doc\n\nTiny now.\n")
	later := time.Now().Add(3 * time.Second)
	require.NoError(t, os.Chtimes(abs, later, later))

	_, err = f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)

	after, _ := f.vectors.Count(context.Background(), "chunks")
	assert.Less(t, after, before)
	kn, _ := f.kw.DocCount()
	assert.Equal(t, uint64(after), kn)
}

func TestFullReindexForcesAll(t *testing.T) {
	f := newFixture(t)
	f.write(t, "docs/a.md", "# A\n\nBody.\n")
	f.write(t, "docs/b.md", "# B\n\nBody.\n")

	_, err := f.coord.IndexTree(context.Background(), f.root)
	require.NoError(t, err)

	stats, err := f.coord.FullReindex(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Indexed)
	assert.Zero(t, stats.Skipped)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassDocument, Classify("readme.md"))
	assert.Equal(t, ClassDocument, Classify("notes.TXT"))
	assert.Equal(t, ClassCode, Classify("a/b/service.py"))
	assert.Equal(t, ClassCode, Classify("main.go"))
	assert.Empty(t, string(Classify("image.png")))
}

func TestDiscoverHonorsIgnores(t *testing.T) {
	f := newFixture(t)
	f.write(t, "docs/keep.md", "# Keep\n\nBody.\n")
	f.write(t, "node_modules/pkg/readme.md", "# Skip\n\nBody.\n")
	f.write(t, ".hidden/readme.md", "# Skip\n\nBody.\n")

	files, err := discover(f.root, nil, DefaultIgnores)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "docs/keep.md", files[0].Path)
}

func TestDiscoverIncludeGlobs(t *testing.T) {
	f := newFixture(t)
	f.write(t, "docs/a.md", "# A\n\nBody.\n")
	f.write(t, "src/b.py", "def b():\n    pass\n")

	files, err := discover(f.root, []string{"*.md"}, DefaultIgnores)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "docs/a.md", files[0].Path)
}
