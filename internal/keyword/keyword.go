// Package keyword provides the BM25 keyword index over Bleve. The analyzer
// chain handles mixed English and CJK text: unicode segmentation, width
// normalization, lowercasing, CJK bigrams, then Porter stemming.
package keyword

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/porter"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
)

const corpusAnalyzerName = "corpus_analyzer"

// Document is a chunk entering the keyword index.
type Document struct {
	ID       string
	Content  string
	Title    string
	Category string
	FilePath string
	OwnerID  string
	IsPublic bool
	GroupIDs []string
}

// Result is a scored keyword hit. Content and FilePath come from the
// stored fields so callers need not consult the vector store.
type Result struct {
	ID           string
	Score        float64
	Content      string
	FilePath     string
	MatchedTerms []string
}

// Filter narrows a search to a tenant, an optional group set, and an
// optional category.
type Filter struct {
	// OwnerID, when non-nil, restricts to documents owned by this user or
	// marked public. Nil means no tenant restriction (administrator).
	OwnerID *string
	// GroupIDs, when non-empty, restricts to documents in any listed group.
	GroupIDs []string
	// Category, when non-empty, restricts to documents of that category.
	Category string
}

// Index is the keyword search surface.
type Index interface {
	Add(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, ids []string) error
	DeleteByFilePath(ctx context.Context, filePath string) ([]string, error)
	Search(ctx context.Context, queryStr string, limit int, filter *Filter) ([]Result, error)
	DocCount() (uint64, error)
	Close() error
}

// BleveIndex implements Index on Bleve v2.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ Index = (*BleveIndex)(nil)

// Open opens or creates a keyword index. An empty path creates an
// in-memory index. A corrupted on-disk index is cleared and recreated;
// callers are expected to trigger a reindex afterwards.
func Open(path string, logger *slog.Logger) (*BleveIndex, error) {
	indexMapping, err := buildIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to build index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		if validErr := validateIntegrity(path); validErr != nil {
			logger.Warn("keyword_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("corrupted index at %s cannot be cleared: %w", path, removeErr)
			}
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			logger.Warn("keyword_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("corrupted index cannot be cleared: %w", removeErr)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open keyword index: %w", err)
	}
	return &BleveIndex{index: idx, path: path}, nil
}

// buildIndexMapping wires the custom analyzer and the filterable fields.
func buildIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(corpusAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			cjk.WidthName,
			lowercase.Name,
			cjk.BigramName,
			porter.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	content := bleve.NewTextFieldMapping()
	content.Analyzer = corpusAnalyzerName

	title := bleve.NewTextFieldMapping()
	title.Analyzer = corpusAnalyzerName

	exact := bleve.NewKeywordFieldMapping()
	exact.IncludeInAll = false

	public := bleve.NewBooleanFieldMapping()
	public.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", content)
	doc.AddFieldMappingsAt("title", title)
	doc.AddFieldMappingsAt("category", exact)
	doc.AddFieldMappingsAt("file_path", exact)
	doc.AddFieldMappingsAt("owner_id", exact)
	doc.AddFieldMappingsAt("group_ids", exact)
	doc.AddFieldMappingsAt("is_public", public)

	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = corpusAnalyzerName
	return indexMapping, nil
}

// Add indexes documents in a single batch. Re-adding an ID replaces it.
func (b *BleveIndex) Add(_ context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		fields := map[string]interface{}{
			"content":   doc.Content,
			"title":     doc.Title,
			"category":  doc.Category,
			"file_path": doc.FilePath,
			"owner_id":  doc.OwnerID,
			"is_public": doc.IsPublic,
			"group_ids": doc.GroupIDs,
		}
		if err := batch.Index(doc.ID, fields); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute index batch: %w", err)
	}
	return nil
}

// Delete removes documents by ID. Missing IDs are ignored.
func (b *BleveIndex) Delete(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// DeleteByFilePath removes every chunk of a file and returns the removed IDs
// so callers can mirror the delete into the vector store.
func (b *BleveIndex) DeleteByFilePath(ctx context.Context, filePath string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	tq := bleve.NewTermQuery(filePath)
	tq.SetField("file_path")
	req := bleve.NewSearchRequest(tq)
	docCount, _ := b.index.DocCount()
	req.Size = int(docCount) + 1

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to find documents for %s: %w", filePath, err)
	}
	if len(result.Hits) == 0 {
		return nil, nil
	}

	batch := b.index.NewBatch()
	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		batch.Delete(hit.ID)
		ids = append(ids, hit.ID)
	}
	if err := b.index.Batch(batch); err != nil {
		return nil, fmt.Errorf("failed to delete documents for %s: %w", filePath, err)
	}
	return ids, nil
}

// Search returns up to limit documents matching queryStr, scored by BM25.
// An empty query returns no results.
func (b *BleveIndex) Search(ctx context.Context, queryStr string, limit int, filter *Filter) ([]Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return []Result{}, nil
	}

	content := bleve.NewMatchQuery(queryStr)
	content.SetField("content")
	title := bleve.NewMatchQuery(queryStr)
	title.SetField("title")
	match := bleve.NewDisjunctionQuery(content, title)

	full := buildQuery(match, filter)
	req := bleve.NewSearchRequest(full)
	req.Size = limit
	req.IncludeLocations = true
	req.Fields = []string{"content", "file_path"}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	out := make([]Result, 0, len(result.Hits))
	for _, hit := range result.Hits {
		r := Result{
			ID:           hit.ID,
			Score:        hit.Score,
			MatchedTerms: matchedTerms(hit),
		}
		if v, ok := hit.Fields["content"].(string); ok {
			r.Content = v
		}
		if v, ok := hit.Fields["file_path"].(string); ok {
			r.FilePath = v
		}
		out = append(out, r)
	}
	return out, nil
}

// buildQuery ANDs the content match with the tenant, group, and category
// clauses.
func buildQuery(match query.Query, filter *Filter) query.Query {
	if filter == nil || (filter.OwnerID == nil && len(filter.GroupIDs) == 0 && filter.Category == "") {
		return match
	}
	conj := bleve.NewConjunctionQuery(match)
	if filter.OwnerID != nil {
		owner := bleve.NewTermQuery(*filter.OwnerID)
		owner.SetField("owner_id")
		public := bleve.NewBoolFieldQuery(true)
		public.SetField("is_public")
		conj.AddQuery(bleve.NewDisjunctionQuery(owner, public))
	}
	if len(filter.GroupIDs) > 0 {
		groups := make([]query.Query, 0, len(filter.GroupIDs))
		for _, g := range filter.GroupIDs {
			tq := bleve.NewTermQuery(g)
			tq.SetField("group_ids")
			groups = append(groups, tq)
		}
		conj.AddQuery(bleve.NewDisjunctionQuery(groups...))
	}
	if filter.Category != "" {
		cat := bleve.NewTermQuery(filter.Category)
		cat.SetField("category")
		conj.AddQuery(cat)
	}
	return conj
}

// DocCount returns the number of indexed documents.
func (b *BleveIndex) DocCount() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, fmt.Errorf("index is closed")
	}
	return b.index.DocCount()
}

// Close closes the underlying index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

// matchedTerms collects the analyzed terms that matched in the content field.
func matchedTerms(hit *search.DocumentMatch) []string {
	set := make(map[string]struct{})
	for field, locations := range hit.Locations {
		if field != "content" {
			continue
		}
		for term := range locations {
			set[term] = struct{}{}
		}
	}
	terms := make([]string, 0, len(set))
	for term := range set {
		terms = append(terms, term)
	}
	return terms
}

// validateIntegrity checks an on-disk index before opening it. A missing
// directory is fine; a present directory with a missing or unparseable
// index_meta.json is corruption.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// isCorruptionError reports whether a Bleve open error indicates corruption
// rather than a transient failure.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	if err == bleve.ErrorIndexMetaCorrupt {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt") ||
		strings.Contains(msg, "no such file or directory")
}
