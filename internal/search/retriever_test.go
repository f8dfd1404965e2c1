package search

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querystack/ragserve/internal/embed"
	"github.com/querystack/ragserve/internal/keyword"
	"github.com/querystack/ragserve/internal/llm"
	"github.com/querystack/ragserve/internal/rerank"
	"github.com/querystack/ragserve/internal/vector"
)

type fixture struct {
	embedder *embed.StaticEmbedder
	vectors  *vector.MemoryStore
	keywords *keyword.BleveIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	embedder := embed.NewStaticEmbedder()
	vectors := vector.NewMemoryStore()
	require.NoError(t, vectors.EnsureCollection(context.Background(), "chunks", embed.StaticDimensions))
	keywords, err := keyword.Open("", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = keywords.Close() })
	return &fixture{embedder: embedder, vectors: vectors, keywords: keywords}
}

func (f *fixture) seed(t *testing.T, id, content, owner string, public bool, groups []string) {
	t.Helper()
	ctx := context.Background()
	vec, err := f.embedder.Embed(ctx, content)
	require.NoError(t, err)
	require.NoError(t, f.vectors.Upsert(ctx, "chunks", []vector.Point{{
		ID:     id,
		Vector: vec,
		Payload: map[string]any{
			"content":   content,
			"file_path": "docs/" + id + ".md",
			"owner_id":  owner,
			"is_public": public,
			"group_ids": groups,
		},
	}}))
	require.NoError(t, f.keywords.Add(ctx, []keyword.Document{{
		ID:       id,
		Content:  content,
		FilePath: "docs/" + id + ".md",
		OwnerID:  owner,
		IsPublic: public,
		GroupIDs: groups,
	}}))
}

func (f *fixture) retriever(reranker rerank.Reranker, chat llm.Client) *Retriever {
	return New(Config{Collection: "chunks"}, f.embedder, f.vectors, f.keywords, reranker, chat, slog.Default())
}

func TestSearchHybridFusion(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "both", "the scheduler runs incremental reindex jobs on a timer", "u1", true, nil)
	f.seed(t, "vecish", "a timer based background runner for index refreshes", "u1", true, nil)
	f.seed(t, "offtopic", "citrus fruit nutrition facts and vitamin tables", "u1", true, nil)

	r := f.retriever(nil, nil)
	results, err := r.Search(context.Background(), "scheduler incremental reindex", Options{K: 3, OwnerID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "both", results[0].ID, "hit in both sources wins")
	assert.Greater(t, results[0].VectorScore, 0.0)
	assert.Greater(t, results[0].KeywordScore, 0.0)
	assert.NotEmpty(t, results[0].Content)
	assert.Equal(t, "docs/both.md", results[0].FilePath)
}

func TestSearchFusionWeights(t *testing.T) {
	r := &Retriever{cfg: Config{WeightVector: 0.7, WeightKeyword: 0.3}}
	fused := r.fuse(map[string]*candidate{
		"v": {id: "v", vector: 1.0},
		"k": {id: "k", keyword: 1.0},
	})
	require.Len(t, fused, 2)
	assert.Equal(t, "v", fused[0].ID)
	assert.InDelta(t, 0.7, fused[0].Score, 1e-9)
	assert.InDelta(t, 0.3, fused[1].Score, 1e-9)
}

func TestSearchTieBreaksByID(t *testing.T) {
	r := &Retriever{cfg: Config{WeightVector: 0.7, WeightKeyword: 0.3}}
	fused := r.fuse(map[string]*candidate{
		"b": {id: "b", vector: 0.5},
		"a": {id: "a", vector: 0.5},
	})
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ID)
	assert.Equal(t, "b", fused[1].ID)
}

// failingKeywords fails every search.
type failingKeywords struct{ keyword.Index }

func (f *failingKeywords) Search(context.Context, string, int, *keyword.Filter) ([]keyword.Result, error) {
	return nil, errors.New("keyword index down")
}

func TestSearchKeywordFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "doc", "the scheduler runs reindex jobs", "u1", true, nil)

	r := New(Config{Collection: "chunks"}, f.embedder, f.vectors,
		&failingKeywords{f.keywords}, nil, nil, slog.Default())
	results, err := r.Search(context.Background(), "scheduler reindex", Options{K: 3, OwnerID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, results, "vector-only degradation still returns results")
	assert.Zero(t, results[0].KeywordScore)
}

// failingVectors fails every search.
type failingVectors struct{ vector.Store }

func (f *failingVectors) Search(context.Context, string, []float32, int, *vector.Filter, float32) ([]vector.ScoredPoint, error) {
	return nil, errors.New("vector store down")
}

func TestSearchVectorFailureIsError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "doc", "the scheduler runs reindex jobs", "u1", true, nil)

	r := New(Config{Collection: "chunks"}, f.embedder, &failingVectors{f.vectors},
		f.keywords, nil, nil, slog.Default())
	_, err := r.Search(context.Background(), "scheduler reindex", Options{K: 3, OwnerID: "u1"})
	assert.Error(t, err)
}

func TestSearchTenantIsolation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "mine", "scheduler documentation private to u1", "u1", false, nil)
	f.seed(t, "theirs", "scheduler documentation private to u2", "u2", false, nil)
	f.seed(t, "shared", "scheduler documentation shared publicly", "u2", true, nil)

	r := f.retriever(nil, nil)
	results, err := r.Search(context.Background(), "scheduler documentation", Options{K: 10, OwnerID: "u1"})
	require.NoError(t, err)

	ids := make([]string, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.ID)
	}
	assert.Contains(t, ids, "mine")
	assert.Contains(t, ids, "shared")
	assert.NotContains(t, ids, "theirs")

	// Administrators see everything.
	results, err = r.Search(context.Background(), "scheduler documentation", Options{K: 10, Admin: true})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearchGroupFilter(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "g1doc", "scheduler notes for group one", "u1", true, []string{"g1"})
	f.seed(t, "g2doc", "scheduler notes for group two", "u1", true, []string{"g2"})

	r := f.retriever(nil, nil)
	results, err := r.Search(context.Background(), "scheduler notes", Options{K: 10, OwnerID: "u1", GroupIDs: []string{"g1"}})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, res := range results {
		assert.Equal(t, "g1doc", res.ID)
	}
}

// scriptedVectors serves a fixed ranked list, truncated to the requested k.
type scriptedVectors struct {
	vector.Store
	hits []vector.ScoredPoint
}

func (s *scriptedVectors) Search(_ context.Context, _ string, _ []float32, k int, _ *vector.Filter, _ float32) ([]vector.ScoredPoint, error) {
	if k > len(s.hits) {
		k = len(s.hits)
	}
	return s.hits[:k], nil
}

// scriptedKeywords serves a fixed ranked list, truncated to the requested
// limit.
type scriptedKeywords struct {
	keyword.Index
	hits []keyword.Result
}

func (s *scriptedKeywords) Search(_ context.Context, _ string, limit int, _ *keyword.Filter) ([]keyword.Result, error) {
	if limit > len(s.hits) {
		limit = len(s.hits)
	}
	return s.hits[:limit], nil
}

func TestSearchTopKIsPrefixOfLargerK(t *testing.T) {
	// "a" ranks first on the vector leg only, "c" first on the keyword leg
	// only, while "b" scores 0.9 on both and wins fusion (0.9 > 0.7 > 0.3).
	// A shallow gather at k=1 would never see "b".
	vectors := &scriptedVectors{hits: []vector.ScoredPoint{
		{ID: "a", Score: 1.0, Payload: map[string]any{"content": "alpha", "file_path": "docs/a.md"}},
		{ID: "b", Score: 0.9, Payload: map[string]any{"content": "bravo", "file_path": "docs/b.md"}},
	}}
	keywords := &scriptedKeywords{hits: []keyword.Result{
		{ID: "c", Score: 10.0, Content: "charlie", FilePath: "docs/c.md"},
		{ID: "b", Score: 9.0, Content: "bravo", FilePath: "docs/b.md"},
	}}
	r := New(Config{Collection: "chunks"}, embed.NewStaticEmbedder(), vectors, keywords, nil, nil, slog.Default())

	one, err := r.Search(context.Background(), "query", Options{K: 1, Admin: true})
	require.NoError(t, err)
	require.Len(t, one, 1)

	two, err := r.Search(context.Background(), "query", Options{K: 2, Admin: true})
	require.NoError(t, err)
	require.Len(t, two, 2)

	assert.Equal(t, "b", one[0].ID)
	assert.Equal(t, one[0].ID, two[0].ID, "shorter result list is a prefix of the longer one")
}

// scriptedReranker returns a fixed ordering.
type scriptedReranker struct {
	scores map[string]float64
	err    error
}

func (s *scriptedReranker) Rerank(_ context.Context, _ string, cands []rerank.Candidate, k int) ([]rerank.Scored, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]rerank.Scored, 0, len(cands))
	for _, c := range cands {
		out = append(out, rerank.Scored{ID: c.ID, Score: s.scores[c.ID]})
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func TestSearchRerankerReorders(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alpha", "scheduler overview and the reindex timer", "u1", true, nil)
	f.seed(t, "beta", "scheduler internals for the reindex timer", "u1", true, nil)

	rr := &scriptedReranker{scores: map[string]float64{"alpha": 0.1, "beta": 0.9}}
	r := f.retriever(rr, nil)
	results, err := r.Search(context.Background(), "scheduler reindex timer",
		Options{K: 2, OwnerID: "u1", UseReranker: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "beta", results[0].ID)
	require.NotNil(t, results[0].RerankScore)
	assert.InDelta(t, 0.9, *results[0].RerankScore, 1e-9)
}

func TestSearchRerankerFailureKeepsFusionOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alpha", "scheduler overview and the reindex timer", "u1", true, nil)
	f.seed(t, "beta", "unrelated text about fruit salads", "u1", true, nil)

	rr := &scriptedReranker{err: errors.New("model crashed")}
	r := f.retriever(rr, nil)
	results, err := r.Search(context.Background(), "scheduler reindex timer",
		Options{K: 2, OwnerID: "u1", UseReranker: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "alpha", results[0].ID)
	assert.Nil(t, results[0].RerankScore)
}

func TestSearchMinScoreDrops(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "close", "the scheduler runs incremental reindex jobs", "u1", true, nil)
	f.seed(t, "far", "citrus fruit nutrition facts", "u1", true, nil)

	r := f.retriever(nil, nil)
	all, err := r.Search(context.Background(), "the scheduler runs incremental reindex jobs",
		Options{K: 10, OwnerID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, all)
	top := all[0].Score

	filtered, err := r.Search(context.Background(), "the scheduler runs incremental reindex jobs",
		Options{K: 10, OwnerID: "u1", MinScore: top - 1e-6})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "close", filtered[0].ID)
}

func TestSearchMultiQueryUnion(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "direct", "how authentication tokens are refreshed", "u1", true, nil)
	f.seed(t, "variant", "renewing expired login credentials automatically", "u1", true, nil)

	chat := llm.NewScriptedClient("renewing expired login credentials\nrefreshing auth tokens")
	r := f.retriever(nil, chat)
	results, err := r.Search(context.Background(), "how authentication tokens are refreshed",
		Options{K: 10, OwnerID: "u1", Rewrite: RewriteMultiQuery})
	require.NoError(t, err)

	ids := make([]string, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.ID)
	}
	assert.Contains(t, ids, "direct")
	assert.Contains(t, ids, "variant", "variant query widens the union")
}

func TestSearchRewriteFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "doc", "how authentication tokens are refreshed", "u1", true, nil)

	chat := llm.NewScriptedClient().FailWith(errors.New("llm down"))
	r := f.retriever(nil, chat)
	results, err := r.Search(context.Background(), "authentication tokens refreshed",
		Options{K: 5, OwnerID: "u1", Rewrite: RewriteMultiQuery})
	require.NoError(t, err)
	assert.NotEmpty(t, results, "original query still retrieves")
}
