// Package rerank scores (query, candidate) pairs with a cross-encoder
// service. Results are cached in an expirable LRU keyed by the query and
// the candidate id set.
package rerank

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/querystack/ragserve/internal/apperr"
)

// Defaults per configuration.
const (
	DefaultBatchSize = 32
	DefaultMaxLength = 512
	DefaultCacheSize = 256
	DefaultCacheTTL  = 300 * time.Second
)

// Candidate is one item to score.
type Candidate struct {
	ID      string
	Content string
}

// Scored pairs a candidate id with its cross-encoder score.
type Scored struct {
	ID    string
	Score float64
}

// Config tunes the client.
type Config struct {
	Endpoint  string
	BatchSize int
	MaxLength int
	CacheSize int
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// Reranker is the scoring surface. Passthrough reports whether the model
// is unavailable and callers should keep their own order.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, k int) ([]Scored, error)
}

// Client calls an HTTP cross-encoder. Initialization is lazy: the first
// call probes the endpoint, concurrent first calls serialize, and a probe
// failure is sticky so later calls short-circuit to pass-through.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	initOnce sync.Once
	initErr  error

	cache *expirable.LRU[string, []Scored]
}

var _ Reranker = (*Client)(nil)

// NewClient creates a reranker client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		cache:  expirable.NewLRU[string, []Scored](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// init probes the endpoint once. The error is sticky.
func (c *Client) init(ctx context.Context) error {
	c.initOnce.Do(func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/health", nil)
		if err != nil {
			c.initErr = err
			return
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.initErr = err
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			c.initErr = fmt.Errorf("reranker health returned %d", resp.StatusCode)
		}
	})
	if c.initErr != nil {
		return apperr.Transient("reranker unavailable", c.initErr)
	}
	return nil
}

// Rerank scores candidates against the query and returns them sorted by
// score descending, truncated to k. On an unavailable model the input
// order is returned unchanged with zero scores.
func (c *Client) Rerank(ctx context.Context, query string, candidates []Candidate, k int) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}

	if err := c.init(ctx); err != nil {
		c.logger.Warn("rerank_passthrough", slog.String("error", err.Error()))
		return passthrough(candidates, k), nil
	}

	key := cacheKey(query, candidates)
	// The cache mutex lives inside the LRU; it is never held during
	// inference below.
	if cached, ok := c.cache.Get(key); ok {
		if len(cached) > k {
			cached = cached[:k]
		}
		return cached, nil
	}

	scores, err := c.scoreAll(ctx, query, candidates)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ID < scores[j].ID
	})

	c.cache.Add(key, scores)
	if len(scores) > k {
		scores = scores[:k]
	}
	return scores, nil
}

// scoreAll runs batched inference.
func (c *Client) scoreAll(ctx context.Context, query string, candidates []Candidate) ([]Scored, error) {
	out := make([]Scored, 0, len(candidates))
	for start := 0; start < len(candidates); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]
		scores, err := c.scoreBatch(ctx, query, batch)
		if err != nil {
			return nil, err
		}
		for i, cand := range batch {
			out = append(out, Scored{ID: cand.ID, Score: scores[i]})
		}
	}
	return out, nil
}

type scoreRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	MaxLength int      `json:"max_length"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

func (c *Client) scoreBatch(ctx context.Context, query string, batch []Candidate) ([]float64, error) {
	docs := make([]string, len(batch))
	for i, cand := range batch {
		docs[i] = truncateTokensApprox(cand.Content, c.cfg.MaxLength)
	}
	body, err := json.Marshal(scoreRequest{Query: query, Documents: docs, MaxLength: c.cfg.MaxLength})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Transient("reranker request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.Transient(fmt.Sprintf("reranker returned %d: %s", resp.StatusCode, payload), nil)
	}

	var parsed scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Transient("reranker response malformed", err)
	}
	if len(parsed.Scores) != len(batch) {
		return nil, apperr.Transient("reranker score count mismatch", nil)
	}
	return parsed.Scores, nil
}

// passthrough keeps the caller's order with zero scores.
func passthrough(candidates []Candidate, k int) []Scored {
	out := make([]Scored, 0, k)
	for _, cand := range candidates[:k] {
		out = append(out, Scored{ID: cand.ID})
	}
	return out
}

// cacheKey hashes the query with the sorted candidate id set, so the same
// candidates in any order hit the same entry.
func cacheKey(query string, candidates []Candidate) string {
	ids := make([]string, len(candidates))
	for i, cand := range candidates {
		ids[i] = cand.ID
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(query + "||" + strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

// truncateTokensApprox trims content to roughly maxTokens tokens using a
// 4-chars-per-token approximation. The service truncates precisely; this
// just bounds the request size.
func truncateTokensApprox(content string, maxTokens int) string {
	limit := maxTokens * 4
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit])
}
