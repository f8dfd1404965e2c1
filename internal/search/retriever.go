// Package search implements hybrid retrieval: parallel vector and keyword
// search, weighted score fusion, optional LLM query rewriting, and optional
// cross-encoder reranking.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/querystack/ragserve/internal/embed"
	"github.com/querystack/ragserve/internal/keyword"
	"github.com/querystack/ragserve/internal/llm"
	"github.com/querystack/ragserve/internal/rerank"
	"github.com/querystack/ragserve/internal/vector"
)

// Fusion weights. A candidate missing from one source contributes 0 for
// that component.
const (
	DefaultWeightVector  = 0.7
	DefaultWeightKeyword = 0.3
)

// RewriteMode selects the optional query rewriting strategy.
type RewriteMode string

const (
	RewriteNone       RewriteMode = ""
	RewriteMultiQuery RewriteMode = "multi_query"
	RewriteHyDE       RewriteMode = "hyde"
)

// Result is one retrieved chunk.
type Result struct {
	ID           string         `json:"id"`
	Content      string         `json:"content"`
	FilePath     string         `json:"file_path"`
	Score        float64        `json:"score"`
	VectorScore  float64        `json:"vector_score"`
	KeywordScore float64        `json:"keyword_score"`
	RerankScore  *float64       `json:"rerank_score,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Options scope one search.
type Options struct {
	K        int
	OwnerID  string
	Admin    bool
	GroupIDs []string
	// Filters are extra field-equality predicates on the vector payload.
	Filters     map[string]any
	UseReranker bool
	MinScore    float64
	Rewrite     RewriteMode
}

// Config tunes the retriever.
type Config struct {
	Collection       string
	WeightVector     float64
	WeightKeyword    float64
	RerankMultiplier int
	MultiQueryCount  int
}

// Retriever runs the pipeline.
type Retriever struct {
	cfg      Config
	embedder embed.Embedder
	vectors  vector.Store
	keywords keyword.Index
	reranker rerank.Reranker
	chat     llm.Client
	logger   *slog.Logger
}

// New creates a retriever. chat and reranker may be nil; the corresponding
// stages are skipped.
func New(cfg Config, embedder embed.Embedder, vectors vector.Store, keywords keyword.Index, reranker rerank.Reranker, chat llm.Client, logger *slog.Logger) *Retriever {
	if cfg.WeightVector == 0 && cfg.WeightKeyword == 0 {
		cfg.WeightVector = DefaultWeightVector
		cfg.WeightKeyword = DefaultWeightKeyword
	}
	if cfg.RerankMultiplier <= 0 {
		cfg.RerankMultiplier = 3
	}
	if cfg.MultiQueryCount <= 0 {
		cfg.MultiQueryCount = 3
	}
	return &Retriever{
		cfg:      cfg,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		reranker: reranker,
		chat:     chat,
		logger:   logger,
	}
}

// candidate accumulates per-source scores during fusion.
type candidate struct {
	id       string
	content  string
	filePath string
	vector   float64
	keyword  float64
	payload  map[string]any
}

// Search runs the full pipeline and returns up to opts.K results.
func (r *Retriever) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if opts.K <= 0 {
		opts.K = 10
	}
	// Gather depth does not depend on the rerank flag: fusion always sees
	// the same candidate pool per k, so a top-k list is a prefix of any
	// longer one for the same query.
	limit := opts.K * r.cfg.RerankMultiplier

	queries, hydeVector := r.rewrite(ctx, query, opts)

	cands, err := r.gather(ctx, queries, hydeVector, limit, opts)
	if err != nil {
		return nil, err
	}
	fused := r.fuse(cands)

	if opts.UseReranker && r.reranker != nil {
		fused = r.rerankTop(ctx, query, fused, limit, opts.K)
	}
	if len(fused) > opts.K {
		fused = fused[:opts.K]
	}
	if opts.MinScore > 0 {
		kept := fused[:0]
		for _, res := range fused {
			if primaryScore(res) >= opts.MinScore {
				kept = append(kept, res)
			}
		}
		fused = kept
	}
	return fused, nil
}

// rewrite applies the optional query-rewriting strategy. Best effort: any
// failure falls back to the original query.
func (r *Retriever) rewrite(ctx context.Context, query string, opts Options) ([]string, []float32) {
	queries := []string{query}
	if r.chat == nil || opts.Rewrite == RewriteNone {
		return queries, nil
	}

	switch opts.Rewrite {
	case RewriteMultiQuery:
		prompt := fmt.Sprintf(
			"Rewrite the following question into %d alternative phrasings that would match relevant documentation. Reply with one phrasing per line and nothing else.\n\nQuestion: %s",
			r.cfg.MultiQueryCount, query)
		answer, _, err := r.chat.Chat(ctx, llm.Request{Messages: []llm.Message{llm.User(prompt)}})
		if err != nil {
			r.logger.Warn("multi_query_rewrite_failed", slog.String("error", err.Error()))
			return queries, nil
		}
		for _, line := range strings.Split(answer, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(line, "0123456789.-) "))
			if line != "" && line != query {
				queries = append(queries, line)
			}
			if len(queries) > r.cfg.MultiQueryCount {
				break
			}
		}
	case RewriteHyDE:
		prompt := fmt.Sprintf(
			"Write a short hypothetical documentation passage that would answer this question. Reply with the passage only.\n\nQuestion: %s", query)
		answer, _, err := r.chat.Chat(ctx, llm.Request{Messages: []llm.Message{llm.User(prompt)}})
		if err != nil {
			r.logger.Warn("hyde_rewrite_failed", slog.String("error", err.Error()))
			return queries, nil
		}
		vec, err := r.embedder.Embed(ctx, answer)
		if err != nil {
			r.logger.Warn("hyde_embed_failed", slog.String("error", err.Error()))
			return queries, nil
		}
		return queries, vec
	}
	return queries, nil
}

// gather runs vector and keyword search in parallel and merges per-source
// scores, keeping the max across query variants. A keyword failure
// degrades to vector-only; a vector failure is an error.
func (r *Retriever) gather(ctx context.Context, queries []string, hydeVector []float32, limit int, opts Options) (map[string]*candidate, error) {
	filter := r.buildFilter(opts)
	kwFilter := r.buildKeywordFilter(opts)

	var (
		mu    sync.Mutex
		cands = make(map[string]*candidate)
	)
	merge := func(id, content, filePath string, payload map[string]any, vscore, kscore float64) {
		mu.Lock()
		defer mu.Unlock()
		c, ok := cands[id]
		if !ok {
			c = &candidate{id: id}
			cands[id] = c
		}
		if content != "" {
			c.content = content
		}
		if filePath != "" {
			c.filePath = filePath
		}
		if payload != nil {
			c.payload = payload
		}
		if vscore > c.vector {
			c.vector = vscore
		}
		if kscore > c.keyword {
			c.keyword = kscore
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		vectors := make([][]float32, 0, len(queries)+1)
		for _, q := range queries {
			vec, err := r.embedder.Embed(gctx, q)
			if err != nil {
				return fmt.Errorf("query embedding failed: %w", err)
			}
			vectors = append(vectors, vec)
		}
		if hydeVector != nil {
			vectors = append(vectors, hydeVector)
		}
		for _, vec := range vectors {
			hits, err := r.vectors.Search(gctx, r.cfg.Collection, vec, limit, filter, 0)
			if err != nil {
				return fmt.Errorf("vector search failed: %w", err)
			}
			for _, h := range hits {
				content, _ := h.Payload["content"].(string)
				filePath, _ := h.Payload["file_path"].(string)
				merge(h.ID, content, filePath, h.Payload, float64(h.Score), 0)
			}
		}
		return nil
	})

	g.Go(func() error {
		for _, q := range queries {
			hits, err := r.keywords.Search(gctx, q, limit, kwFilter)
			if err != nil {
				r.logger.Warn("keyword_search_degraded", slog.String("error", err.Error()))
				return nil
			}
			maxScore := 0.0
			for _, h := range hits {
				if h.Score > maxScore {
					maxScore = h.Score
				}
			}
			for _, h := range hits {
				normalized := 0.0
				if maxScore > 0 {
					normalized = h.Score / maxScore
				}
				merge(h.ID, h.Content, h.FilePath, nil, 0, normalized)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cands, nil
}

// fuse computes weighted scores and sorts with deterministic tie-breaks:
// fused score, then vector score, then id.
func (r *Retriever) fuse(cands map[string]*candidate) []Result {
	out := make([]Result, 0, len(cands))
	for _, c := range cands {
		out = append(out, Result{
			ID:           c.id,
			Content:      c.content,
			FilePath:     c.filePath,
			Score:        r.cfg.WeightVector*c.vector + r.cfg.WeightKeyword*c.keyword,
			VectorScore:  c.vector,
			KeywordScore: c.keyword,
			Metadata:     c.payload,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].VectorScore != out[j].VectorScore {
			return out[i].VectorScore > out[j].VectorScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// rerankTop reorders the top candidates by cross-encoder score. A reranker
// failure logs a warning and keeps the fusion order.
func (r *Retriever) rerankTop(ctx context.Context, query string, fused []Result, limit, k int) []Result {
	top := fused
	if len(top) > limit {
		top = top[:limit]
	}
	candidates := make([]rerank.Candidate, len(top))
	for i, res := range top {
		candidates[i] = rerank.Candidate{ID: res.ID, Content: res.Content}
	}
	scored, err := r.reranker.Rerank(ctx, query, candidates, len(candidates))
	if err != nil {
		r.logger.Warn("rerank_failed", slog.String("error", err.Error()))
		return fused
	}

	byID := make(map[string]*Result, len(top))
	for i := range top {
		byID[top[i].ID] = &top[i]
	}
	for _, sc := range scored {
		if res, ok := byID[sc.ID]; ok {
			score := sc.Score
			res.RerankScore = &score
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		ri, rj := top[i], top[j]
		pi, pj := primaryScore(ri), primaryScore(rj)
		if pi != pj {
			return pi > pj
		}
		if ri.Score != rj.Score {
			return ri.Score > rj.Score
		}
		if ri.VectorScore != rj.VectorScore {
			return ri.VectorScore > rj.VectorScore
		}
		return ri.ID < rj.ID
	})
	if len(top) > k {
		top = top[:k]
	}
	return top
}

// primaryScore is the rerank score when present, else the fused score.
func primaryScore(r Result) float64 {
	if r.RerankScore != nil {
		return *r.RerankScore
	}
	return r.Score
}

// buildFilter assembles the vector filter: caller predicates AND group
// membership AND the tenant clause (skipped for administrators).
func (r *Retriever) buildFilter(opts Options) *vector.Filter {
	f := &vector.Filter{GroupIDs: opts.GroupIDs}
	if len(opts.Filters) > 0 {
		f.Must = opts.Filters
	}
	if !opts.Admin && opts.OwnerID != "" {
		f.Tenant = &vector.TenantFilter{OwnerID: opts.OwnerID}
	}
	return f
}

func (r *Retriever) buildKeywordFilter(opts Options) *keyword.Filter {
	f := &keyword.Filter{GroupIDs: opts.GroupIDs}
	if !opts.Admin && opts.OwnerID != "" {
		owner := opts.OwnerID
		f.OwnerID = &owner
	}
	return f
}
