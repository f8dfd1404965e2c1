package semcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querystack/ragserve/internal/embed"
	"github.com/querystack/ragserve/internal/vector"
)

type source struct {
	FilePath string  `json:"file_path"`
	Score    float64 `json:"score"`
}

func newCache(t *testing.T, cfg Config) (*Cache, *vector.MemoryStore) {
	t.Helper()
	if cfg.Collection == "" {
		cfg.Collection = "qa_cache"
	}
	store := vector.NewMemoryStore()
	c, err := New(context.Background(), cfg, embed.NewStaticEmbedder(), store, slog.Default())
	require.NoError(t, err)
	return c, store
}

func TestCacheSetAndGet(t *testing.T) {
	c, _ := newCache(t, Config{})
	ctx := context.Background()

	fp := Fingerprint("how do I reindex the corpus?", []string{"g2", "g1"}, "u1")
	require.NoError(t, c.Set(ctx, fp, "how do I reindex the corpus?", "run the reindex command",
		[]source{{FilePath: "docs/ops.md", Score: 0.91}}))

	entry, ok := c.Get(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, "run the reindex command", entry.Answer)
	assert.Equal(t, "how do I reindex the corpus?", entry.Question)

	var sources []source
	require.NoError(t, json.Unmarshal(entry.Sources, &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, "docs/ops.md", sources[0].FilePath)
}

func TestCacheMissBelowThreshold(t *testing.T) {
	c, _ := newCache(t, Config{})
	ctx := context.Background()

	fp := Fingerprint("how do I reindex the corpus?", nil, "u1")
	require.NoError(t, c.Set(ctx, fp, "how do I reindex the corpus?", "run the reindex command", nil))

	_, ok := c.Get(ctx, Fingerprint("what are citrus fruits?", nil, "u1"))
	assert.False(t, ok)
}

func TestCacheFingerprintScoping(t *testing.T) {
	a := Fingerprint("q", []string{"g1", "g2"}, "u1")
	b := Fingerprint("q", []string{"g2", "g1"}, "u1")
	assert.Equal(t, a, b, "group order is canonicalized")

	assert.NotEqual(t, Fingerprint("q", nil, "u1"), Fingerprint("q", nil, "u2"))
	assert.NotEqual(t, Fingerprint("q", []string{"g1"}, "u1"), Fingerprint("q", nil, "u1"))
}

func TestCacheHitCounterIncrements(t *testing.T) {
	c, _ := newCache(t, Config{})
	ctx := context.Background()

	fp := Fingerprint("q", nil, "u1")
	require.NoError(t, c.Set(ctx, fp, "q", "a", nil))

	entry, ok := c.Get(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.HitCount)
	assert.False(t, entry.LastHitAt.IsZero())

	entry, ok = c.Get(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.HitCount)
}

func TestCacheTTLExpiry(t *testing.T) {
	c, store := newCache(t, Config{TTL: time.Hour})
	ctx := context.Background()

	fp := Fingerprint("q", nil, "u1")
	require.NoError(t, c.Set(ctx, fp, "q", "a", nil))

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok := c.Get(ctx, fp)
	assert.False(t, ok, "expired entry is a miss")

	// The expired point was deleted, so even a fresh clock misses.
	c.now = time.Now
	_, ok = c.Get(ctx, fp)
	assert.False(t, ok)
	n, err := store.Count(ctx, "qa_cache")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestCacheSetReplacesSameQuestion(t *testing.T) {
	c, store := newCache(t, Config{})
	ctx := context.Background()

	fp := Fingerprint("q", nil, "u1")
	require.NoError(t, c.Set(ctx, fp, "q", "first answer", nil))
	require.NoError(t, c.Set(ctx, fp, "q", "second answer", nil))

	n, err := store.Count(ctx, "qa_cache")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	entry, ok := c.Get(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, "second answer", entry.Answer)
}

func TestCacheSweepRemovesExpired(t *testing.T) {
	c, store := newCache(t, Config{TTL: time.Hour})
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base.Add(-2 * time.Hour) }
	require.NoError(t, c.Set(ctx, Fingerprint("old", nil, "u1"), "old", "a", nil))
	c.now = func() time.Time { return base }
	require.NoError(t, c.Set(ctx, Fingerprint("fresh", nil, "u1"), "fresh", "a", nil))

	c.sweep(ctx)

	n, err := store.Count(ctx, "qa_cache")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	_, ok := c.Get(ctx, Fingerprint("fresh", nil, "u1"))
	assert.True(t, ok)
}

func TestCacheSweepEvictsOldestOverCapacity(t *testing.T) {
	c, store := newCache(t, Config{MaxEntries: 2})
	ctx := context.Background()

	base := time.Now()
	questions := []string{"first", "second", "third", "fourth"}
	for i, q := range questions {
		offset := time.Duration(i) * time.Minute
		c.now = func() time.Time { return base.Add(offset) }
		require.NoError(t, c.Set(ctx, Fingerprint(q, nil, "u1"), q, "a", nil))
	}

	c.now = func() time.Time { return base.Add(time.Hour) }
	c.sweep(ctx)

	n, err := store.Count(ctx, "qa_cache")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	// Oldest two are gone, newest two survive.
	_, ok := c.Get(ctx, Fingerprint("first", nil, "u1"))
	assert.False(t, ok)
	_, ok = c.Get(ctx, Fingerprint("fourth", nil, "u1"))
	assert.True(t, ok)
}
