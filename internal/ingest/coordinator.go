// Package ingest coordinates the indexing pipeline: discover files, detect
// changes against the durable indexing state, chunk, embed, and write to
// the vector store and keyword index together.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/querystack/ragserve/internal/chunk"
	"github.com/querystack/ragserve/internal/embed"
	"github.com/querystack/ragserve/internal/keyword"
	"github.com/querystack/ragserve/internal/store"
	"github.com/querystack/ragserve/internal/vector"
)

// StateStore is the durable indexing state consulted for change detection.
type StateStore interface {
	Get(ctx context.Context, filePath string) (*store.IndexState, error)
	All(ctx context.Context) (map[string]store.IndexState, error)
	Put(ctx context.Context, s *store.IndexState) error
	Delete(ctx context.Context, filePath string) error
	Clear(ctx context.Context) error
}

// Config tunes the coordinator.
type Config struct {
	Collection   string
	Root         string
	IncludeGlobs []string
	Ignores      []string
	Workers      int
	EmbedBatch   int
	OwnerID      string
	IsPublic     bool
	ChunkOptions chunk.Options
}

// Stats summarizes one ingestion run.
type Stats struct {
	Scanned int
	Indexed int
	Skipped int
	Deleted int
	Errors  int
}

// Coordinator drives ingestion.
type Coordinator struct {
	cfg      Config
	embedder embed.Embedder
	vectors  vector.Store
	keywords keyword.Index
	state    StateStore
	logger   *slog.Logger

	docs *chunk.DocumentChunker
	code *chunk.CodeChunker
}

// New creates a coordinator.
func New(cfg Config, embedder embed.Embedder, vectors vector.Store, keywords keyword.Index, state StateStore, logger *slog.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if len(cfg.Ignores) == 0 {
		cfg.Ignores = DefaultIgnores
	}
	cfg.ChunkOptions.PrependBreadcrumb = true
	return &Coordinator{
		cfg:      cfg,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		state:    state,
		logger:   logger,
		docs:     chunk.NewDocumentChunker(cfg.ChunkOptions),
		code:     chunk.NewCodeChunker(cfg.ChunkOptions),
	}
}

// IndexTree walks root and indexes new and modified files, then removes
// files that disappeared. Per-file failures are counted, not fatal.
func (c *Coordinator) IndexTree(ctx context.Context, root string) (Stats, error) {
	return c.run(ctx, root, false)
}

// FullReindex forces every discovered file through the pipeline and
// rewrites the indexing state.
func (c *Coordinator) FullReindex(ctx context.Context, root string) (Stats, error) {
	return c.run(ctx, root, true)
}

func (c *Coordinator) run(ctx context.Context, root string, force bool) (Stats, error) {
	if root == "" {
		root = c.cfg.Root
	}
	start := time.Now()

	files, err := discover(root, c.cfg.IncludeGlobs, c.cfg.Ignores)
	if err != nil {
		return Stats{}, fmt.Errorf("discovery failed: %w", err)
	}
	known, err := c.state.All(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load indexing state: %w", err)
	}

	var (
		mu    sync.Mutex
		stats Stats
	)
	stats.Scanned = len(files)

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.Path] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, f := range files {
		g.Go(func() error {
			changed, err := c.processFile(gctx, f, known, force)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Errors++
				c.logger.Warn("index_file_failed",
					slog.String("path", f.Path),
					slog.String("error", err.Error()))
			case changed:
				stats.Indexed++
			default:
				stats.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	// Files present in state but absent from the walk are gone; remove
	// them from both stores.
	for path := range known {
		if seen[path] {
			continue
		}
		if err := c.DeleteFile(ctx, path); err != nil {
			stats.Errors++
			c.logger.Warn("delete_file_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		stats.Deleted++
	}

	c.logger.Info("index_tree_done",
		slog.String("root", root),
		slog.Int("scanned", stats.Scanned),
		slog.Int("indexed", stats.Indexed),
		slog.Int("skipped", stats.Skipped),
		slog.Int("deleted", stats.Deleted),
		slog.Int("errors", stats.Errors),
		slog.Duration("elapsed", time.Since(start)))
	return stats, nil
}

// processFile runs change detection and, when needed, the chunk-embed-write
// pipeline for one file. Returns whether the file was (re)indexed.
func (c *Coordinator) processFile(ctx context.Context, f discovered, known map[string]store.IndexState, force bool) (bool, error) {
	info, err := os.Stat(f.Abs)
	if err != nil {
		return false, fmt.Errorf("stat failed: %w", err)
	}

	prev, hasPrev := known[f.Path]
	if !force && hasPrev && prev.MTime.Equal(info.ModTime().Truncate(time.Second)) {
		// Modification time unchanged; the cheap pre-filter says skip.
		return false, nil
	}

	content, err := os.ReadFile(f.Abs)
	if err != nil {
		return false, fmt.Errorf("read failed: %w", err)
	}
	hash := contentHash(content)
	if !force && hasPrev && prev.ContentHash == hash {
		// Hash is authoritative; refresh the recorded mtime only.
		refreshed := prev
		refreshed.MTime = info.ModTime().Truncate(time.Second)
		if err := c.state.Put(ctx, &refreshed); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := c.indexContent(ctx, f, string(content), info.ModTime(), hash, prev.PointIDs); err != nil {
		return false, err
	}
	return true, nil
}

// IndexFile indexes a single file unconditionally.
func (c *Coordinator) IndexFile(ctx context.Context, relPath, absPath string) error {
	class := Classify(relPath)
	if class == "" {
		return fmt.Errorf("unsupported file type: %s", relPath)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat failed: %w", err)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read failed: %w", err)
	}
	var prevIDs []string
	if prev, err := c.state.Get(ctx, relPath); err == nil {
		prevIDs = prev.PointIDs
	}
	return c.indexContent(ctx, discovered{Path: relPath, Abs: absPath, Class: class},
		string(content), info.ModTime(), contentHash(content), prevIDs)
}

// indexContent chunks, embeds, and writes a file into both stores, then
// records state. State is written only after both stores acknowledge, so a
// failed run reprocesses the file from scratch.
func (c *Coordinator) indexContent(ctx context.Context, f discovered, content string, mtime time.Time, hash string, prevIDs []string) error {
	var chunks []chunk.Chunk
	if f.Class == ClassCode {
		chunks = c.code.Chunk(f.Path, chunk.DetectLanguage(f.Path), content)
	} else {
		chunks = c.docs.Chunk(f.Path, content)
	}
	if len(chunks) == 0 {
		return c.removeStale(ctx, f.Path, prevIDs, nil)
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := c.embedBatches(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	points := make([]vector.Point, len(chunks))
	docs := make([]keyword.Document, len(chunks))
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
		payload := map[string]any{
			"content":          ch.Content,
			"original_content": ch.RawContent,
			"file_path":        ch.FilePath,
			"type":             string(ch.Kind),
			"chunk_index":      ch.Ordinal,
			"symbol":           ch.Symbol,
			"heading":          ch.Heading,
			"heading_level":    ch.HeadingLevel,
			"context_prefix":   ch.ContextPrefix,
			"title":            ch.Title,
			"owner_id":         c.cfg.OwnerID,
			"is_public":        c.cfg.IsPublic,
		}
		if ch.Kind == chunk.KindCode {
			payload["language"] = ch.Language
		} else {
			payload["doc_type"] = documentType(ch.FilePath)
		}
		points[i] = vector.Point{
			ID:      ch.ID,
			Vector:  vectors[i],
			Payload: payload,
		}
		docs[i] = keyword.Document{
			ID:       ch.ID,
			Content:  ch.Content,
			Title:    ch.Title,
			Category: string(ch.Kind),
			FilePath: ch.FilePath,
			OwnerID:  c.cfg.OwnerID,
			IsPublic: c.cfg.IsPublic,
		}
	}

	if err := c.vectors.Upsert(ctx, c.cfg.Collection, points); err != nil {
		return fmt.Errorf("vector upsert failed: %w", err)
	}
	if err := c.keywords.Add(ctx, docs); err != nil {
		return fmt.Errorf("keyword index failed: %w", err)
	}

	// A shrinking file leaves stale high-ordinal chunks behind.
	if err := c.removeStale(ctx, f.Path, prevIDs, ids); err != nil {
		return err
	}

	return c.state.Put(ctx, &store.IndexState{
		FilePath:    f.Path,
		ContentHash: hash,
		MTime:       mtime.Truncate(time.Second),
		PointIDs:    ids,
	})
}

// removeStale deletes previously recorded point ids that are no longer
// produced for the file. With keep nil, everything goes and the state row
// is dropped.
func (c *Coordinator) removeStale(ctx context.Context, path string, prevIDs, keep []string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	var stale []string
	for _, id := range prevIDs {
		if !keepSet[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := c.vectors.Delete(ctx, c.cfg.Collection, stale); err != nil {
			return fmt.Errorf("stale vector delete failed: %w", err)
		}
		if err := c.keywords.Delete(ctx, stale); err != nil {
			return fmt.Errorf("stale keyword delete failed: %w", err)
		}
	}
	if keep == nil {
		return c.state.Delete(ctx, path)
	}
	return nil
}

// DeleteFile removes a file's chunks from both stores and drops its state.
func (c *Coordinator) DeleteFile(ctx context.Context, relPath string) error {
	st, err := c.state.Get(ctx, relPath)
	if err != nil {
		// No state; best effort by file path.
		ids, kerr := c.keywords.DeleteByFilePath(ctx, relPath)
		if kerr != nil {
			return kerr
		}
		if len(ids) > 0 {
			return c.vectors.Delete(ctx, c.cfg.Collection, ids)
		}
		return nil
	}
	if len(st.PointIDs) > 0 {
		if err := c.vectors.Delete(ctx, c.cfg.Collection, st.PointIDs); err != nil {
			return fmt.Errorf("vector delete failed: %w", err)
		}
		if err := c.keywords.Delete(ctx, st.PointIDs); err != nil {
			return fmt.Errorf("keyword delete failed: %w", err)
		}
	}
	return c.state.Delete(ctx, relPath)
}

// embedBatches embeds texts in configured batch sizes.
func (c *Coordinator) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	batch := c.cfg.EmbedBatch
	if batch <= 0 {
		batch = embed.DefaultBatchSize
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// contentHash is the authoritative change signal.
func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
