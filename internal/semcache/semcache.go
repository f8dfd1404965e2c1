// Package semcache is the semantic answer cache: a dedicated vector-store
// collection keyed by an embedding of the query fingerprint, so nearly
// identical questions hit the same entry.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/querystack/ragserve/internal/embed"
	"github.com/querystack/ragserve/internal/vector"
)

// Defaults per configuration.
const (
	DefaultSimilarity      = 0.92
	DefaultTTL             = 24 * time.Hour
	DefaultMaxEntries      = 10000
	DefaultCleanupInterval = 10 * time.Minute
	evictionBatch          = 100
)

// Entry is a cached answer.
type Entry struct {
	Question  string          `json:"question"`
	Answer    string          `json:"answer"`
	Sources   json.RawMessage `json:"sources"`
	CreatedAt time.Time       `json:"created_at"`
	HitCount  int64           `json:"hit_count"`
	LastHitAt time.Time       `json:"last_hit_at"`
}

// Config tunes the cache.
type Config struct {
	Collection      string
	Similarity      float32
	TTL             time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// Cache stores answers in a vector collection.
type Cache struct {
	cfg      Config
	embedder embed.Embedder
	vectors  vector.Store
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
}

// New creates a cache and ensures its collection exists.
func New(ctx context.Context, cfg Config, embedder embed.Embedder, vectors vector.Store, logger *slog.Logger) (*Cache, error) {
	if cfg.Similarity <= 0 {
		cfg.Similarity = DefaultSimilarity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if err := vectors.EnsureCollection(ctx, cfg.Collection, embedder.Dimensions()); err != nil {
		return nil, err
	}
	return &Cache{
		cfg:      cfg,
		embedder: embedder,
		vectors:  vectors,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}, nil
}

// Fingerprint builds the cache key from the question, the sorted group
// filter, and the owner.
func Fingerprint(question string, groupIDs []string, ownerID string) string {
	sorted := append([]string(nil), groupIDs...)
	sort.Strings(sorted)
	return question + "||groups:" + strings.Join(sorted, ",") + "||user:" + ownerID
}

// Get looks up the nearest cached entry above the similarity threshold.
// Expired hits are deleted and treated as misses. A hit bumps the counter.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*Entry, bool) {
	vec, err := c.embedder.Embed(ctx, fingerprint)
	if err != nil {
		c.logger.Warn("semcache_embed_failed", slog.String("error", err.Error()))
		return nil, false
	}
	hits, err := c.vectors.Search(ctx, c.cfg.Collection, vec, 1, nil, c.cfg.Similarity)
	if err != nil {
		c.logger.Warn("semcache_search_failed", slog.String("error", err.Error()))
		return nil, false
	}
	if len(hits) == 0 {
		return nil, false
	}
	hit := hits[0]

	entry, err := entryFromPayload(hit.Payload)
	if err != nil {
		c.logger.Warn("semcache_payload_invalid", slog.String("id", hit.ID))
		return nil, false
	}
	if c.now().Sub(entry.CreatedAt) > c.cfg.TTL {
		_ = c.vectors.Delete(ctx, c.cfg.Collection, []string{hit.ID})
		return nil, false
	}

	entry.HitCount++
	entry.LastHitAt = c.now()
	if err := c.vectors.SetPayload(ctx, c.cfg.Collection, []string{hit.ID}, map[string]any{
		"hit_count":   entry.HitCount,
		"last_hit_at": entry.LastHitAt.Format(time.RFC3339Nano),
	}); err != nil {
		c.logger.Warn("semcache_touch_failed", slog.String("error", err.Error()))
	}
	return entry, true
}

// Set stores an answer under the fingerprint. The point id is a stable
// hash of the question so rewrites replace rather than accumulate.
func (c *Cache) Set(ctx context.Context, fingerprint, question, answer string, sources any) error {
	vec, err := c.embedder.Embed(ctx, fingerprint)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(question))
	id := hex.EncodeToString(sum[:16])

	return c.vectors.Upsert(ctx, c.cfg.Collection, []vector.Point{{
		ID:     id,
		Vector: vec,
		Payload: map[string]any{
			"question":    question,
			"answer":      answer,
			"sources":     string(raw),
			"created_at":  c.now().Format(time.RFC3339Nano),
			"hit_count":   int64(0),
			"last_hit_at": "",
		},
	}})
}

// StartCleanup launches the background sweep daemon. Opt-in; callers that
// skip it rely on lazy expiry in Get.
func (c *Cache) StartCleanup() {
	go func() {
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep(context.Background())
			case <-c.stop:
				return
			}
		}
	}()
}

// Close stops the cleanup daemon.
func (c *Cache) Close() {
	close(c.stop)
}

// sweep deletes expired entries and, when the collection exceeds its
// capacity, evicts the oldest entries in batches.
func (c *Cache) sweep(ctx context.Context) {
	type aged struct {
		id      string
		created time.Time
	}
	var (
		all     []aged
		expired []string
		cursor  string
	)
	cutoff := c.now().Add(-c.cfg.TTL)
	for {
		points, next, err := c.vectors.Scroll(ctx, c.cfg.Collection, cursor, 256)
		if err != nil {
			c.logger.Warn("semcache_sweep_scroll_failed", slog.String("error", err.Error()))
			return
		}
		for _, p := range points {
			created := parseTime(p.Payload["created_at"])
			if created.Before(cutoff) {
				expired = append(expired, p.ID)
				continue
			}
			all = append(all, aged{id: p.ID, created: created})
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if len(expired) > 0 {
		if err := c.vectors.Delete(ctx, c.cfg.Collection, expired); err != nil {
			c.logger.Warn("semcache_sweep_delete_failed", slog.String("error", err.Error()))
		} else {
			c.logger.Info("semcache_expired_removed", slog.Int("count", len(expired)))
		}
	}

	over := len(all) - c.cfg.MaxEntries
	if over <= 0 {
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].created.Before(all[j].created) })
	for start := 0; start < over; start += evictionBatch {
		end := start + evictionBatch
		if end > over {
			end = over
		}
		batch := make([]string, 0, end-start)
		for _, a := range all[start:end] {
			batch = append(batch, a.id)
		}
		if err := c.vectors.Delete(ctx, c.cfg.Collection, batch); err != nil {
			c.logger.Warn("semcache_evict_failed", slog.String("error", err.Error()))
			return
		}
	}
	c.logger.Info("semcache_capacity_evicted", slog.Int("count", over))
}

func entryFromPayload(payload map[string]any) (*Entry, error) {
	e := &Entry{}
	e.Question, _ = payload["question"].(string)
	e.Answer, _ = payload["answer"].(string)
	if raw, ok := payload["sources"].(string); ok {
		e.Sources = json.RawMessage(raw)
	}
	e.CreatedAt = parseTime(payload["created_at"])
	switch v := payload["hit_count"].(type) {
	case int64:
		e.HitCount = v
	case int:
		e.HitCount = int64(v)
	case float64:
		e.HitCount = int64(v)
	}
	e.LastHitAt = parseTime(payload["last_hit_at"])
	return e, nil
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
