package rerank

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newScoreServer serves /health and /rerank, scoring each document by its
// length so tests get deterministic ordering.
func newScoreServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/rerank", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		scores := make([]float64, len(req.Documents))
		for i, d := range req.Documents {
			scores[i] = float64(len(d))
		}
		_ = json.NewEncoder(w).Encode(scoreResponse{Scores: scores})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRerankOrdersByScore(t *testing.T) {
	var calls atomic.Int64
	srv := newScoreServer(t, &calls)
	c := NewClient(Config{Endpoint: srv.URL}, slog.Default())

	candidates := []Candidate{
		{ID: "short", Content: "aa"},
		{ID: "long", Content: "aaaaaaaaaa"},
		{ID: "mid", Content: "aaaaa"},
	}
	scored, err := c.Rerank(context.Background(), "q", candidates, 3)
	require.NoError(t, err)
	require.Len(t, scored, 3)
	assert.Equal(t, "long", scored[0].ID)
	assert.Equal(t, "mid", scored[1].ID)
	assert.Equal(t, "short", scored[2].ID)
}

func TestRerankTruncatesToK(t *testing.T) {
	var calls atomic.Int64
	srv := newScoreServer(t, &calls)
	c := NewClient(Config{Endpoint: srv.URL}, slog.Default())

	candidates := []Candidate{
		{ID: "a", Content: "aaa"},
		{ID: "b", Content: "bbbbbb"},
		{ID: "c", Content: "c"},
	}
	scored, err := c.Rerank(context.Background(), "q", candidates, 1)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, "b", scored[0].ID)
}

func TestRerankCacheHit(t *testing.T) {
	var calls atomic.Int64
	srv := newScoreServer(t, &calls)
	c := NewClient(Config{Endpoint: srv.URL}, slog.Default())

	candidates := []Candidate{{ID: "a", Content: "aaa"}, {ID: "b", Content: "bb"}}
	_, err := c.Rerank(context.Background(), "q", candidates, 2)
	require.NoError(t, err)
	first := calls.Load()

	// Same candidates in a different order hit the cache.
	reordered := []Candidate{{ID: "b", Content: "bb"}, {ID: "a", Content: "aaa"}}
	scored, err := c.Rerank(context.Background(), "q", reordered, 2)
	require.NoError(t, err)
	assert.Equal(t, first, calls.Load(), "no extra inference calls")
	assert.Equal(t, "a", scored[0].ID)
}

func TestRerankCacheExpires(t *testing.T) {
	var calls atomic.Int64
	srv := newScoreServer(t, &calls)
	c := NewClient(Config{Endpoint: srv.URL, CacheTTL: 50 * time.Millisecond}, slog.Default())

	candidates := []Candidate{{ID: "a", Content: "aaa"}}
	_, err := c.Rerank(context.Background(), "q", candidates, 1)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = c.Rerank(context.Background(), "q", candidates, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRerankBatches(t *testing.T) {
	var calls atomic.Int64
	srv := newScoreServer(t, &calls)
	c := NewClient(Config{Endpoint: srv.URL, BatchSize: 2}, slog.Default())

	candidates := make([]Candidate, 5)
	for i := range candidates {
		candidates[i] = Candidate{ID: string(rune('a' + i)), Content: "xxxx"}
	}
	scored, err := c.Rerank(context.Background(), "q", candidates, 5)
	require.NoError(t, err)
	assert.Len(t, scored, 5)
	assert.Equal(t, int64(3), calls.Load(), "5 candidates in batches of 2")
}

func TestRerankStickyFailurePassthrough(t *testing.T) {
	// No server listening: the first call fails init; later calls must not
	// retry and must keep the caller's order.
	c := NewClient(Config{Endpoint: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, slog.Default())

	candidates := []Candidate{{ID: "z", Content: "zz"}, {ID: "a", Content: "aaaa"}}
	scored, err := c.Rerank(context.Background(), "q", candidates, 2)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	assert.Equal(t, "z", scored[0].ID, "input order preserved")
	assert.Zero(t, scored[0].Score)

	scored, err = c.Rerank(context.Background(), "q", candidates, 1)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	assert.Equal(t, "z", scored[0].ID)
}

func TestTruncateTokensApprox(t *testing.T) {
	long := make([]rune, 5000)
	for i := range long {
		long[i] = 'x'
	}
	out := truncateTokensApprox(string(long), 512)
	assert.Len(t, out, 512*4)
	assert.Equal(t, "short", truncateTokensApprox("short", 512))
}
