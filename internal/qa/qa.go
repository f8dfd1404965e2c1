// Package qa orchestrates answering: retrieval, context budgeting,
// conversation history, LLM synthesis (unary and streaming), citation
// highlighting, and the semantic cache.
package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/querystack/ragserve/internal/llm"
	"github.com/querystack/ragserve/internal/search"
	"github.com/querystack/ragserve/internal/semcache"
)

// Context budget defaults.
const (
	DefaultMaxSingleContentChars = 2000
	DefaultMaxContextChars       = 8000

	previewChars    = 200
	streamPieceSize = 64
)

const answerTemplate = `You are a technical assistant answering questions about an indexed corpus of source code and documentation.

Answer the question using only the context below. If the context does not contain enough information, say that the indexed corpus does not cover it; do not invent an answer. Cite the file paths of the references you rely on.

Context:
%s

Question: %s`

// Retriever is the retrieval surface the engine needs.
type Retriever interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// Cache is the semantic-cache surface. Both methods are best effort from the
// engine's point of view.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*semcache.Entry, bool)
	Set(ctx context.Context, fingerprint, question, answer string, sources any) error
}

// Config tunes the engine.
type Config struct {
	MaxSingleContentChars int
	MaxContextChars       int
	MaxHistoryTurns       int
	KeepRecentTurns       int
	MaxSummaryChars       int
	Temperature           float64
}

func (c Config) withDefaults() Config {
	if c.MaxSingleContentChars <= 0 {
		c.MaxSingleContentChars = DefaultMaxSingleContentChars
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = DefaultMaxContextChars
	}
	if c.MaxHistoryTurns <= 0 {
		c.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	if c.KeepRecentTurns <= 0 {
		c.KeepRecentTurns = DefaultKeepRecentTurns
	}
	if c.MaxSummaryChars <= 0 {
		c.MaxSummaryChars = DefaultMaxSummaryChars
	}
	return c
}

// Request scopes one question.
type Request struct {
	Question    string
	K           int
	Filters     map[string]any
	GroupIDs    []string
	OwnerID     string
	Admin       bool
	UseHistory  bool
	UseCache    bool
	UseReranker bool
	Rewrite     search.RewriteMode
}

// Source is one context reference shown to the model and returned to the
// caller. Index positions line up with [reference N] markers in the prompt.
type Source struct {
	FilePath string  `json:"file_path"`
	Score    float64 `json:"score"`
	Content  string  `json:"content"`
}

// Response is the full answer envelope.
type Response struct {
	Answer            string      `json:"answer"`
	HighlightedAnswer string      `json:"highlighted_answer"`
	Sources           []Source    `json:"sources"`
	RetrievedCount    int         `json:"retrieved_count"`
	Usage             llm.Usage   `json:"usage"`
	Highlights        []Highlight `json:"highlights"`
	FromCache         bool        `json:"from_cache"`

	// Timings for the audit trail; not part of the wire format.
	RetrievalTime time.Duration `json:"-"`
	LLMTime       time.Duration `json:"-"`
}

// Event is one streaming frame.
type Event struct {
	Type string `json:"type"` // sources | chunk | done | error
	Data any    `json:"data"`
}

type sourcePreview struct {
	FilePath string  `json:"file_path"`
	Score    float64 `json:"score"`
	Preview  string  `json:"preview"`
}

// Engine runs the QA chain.
type Engine struct {
	cfg       Config
	retriever Retriever
	chat      llm.Client
	cache     Cache
	logger    *slog.Logger

	mu        sync.Mutex
	histories map[string]*History
}

// New creates an engine. cache may be nil to disable the semantic cache.
func New(cfg Config, retriever Retriever, chat llm.Client, cache Cache, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		retriever: retriever,
		chat:      chat,
		cache:     cache,
		logger:    logger,
		histories: make(map[string]*History),
	}
}

// Query answers a question and returns the full envelope.
func (e *Engine) Query(ctx context.Context, req Request) (*Response, error) {
	fp := semcache.Fingerprint(req.Question, req.GroupIDs, req.OwnerID)
	if req.UseCache && e.cache != nil {
		if resp, ok := e.cachedResponse(ctx, fp); ok {
			return resp, nil
		}
	}

	retrievalStart := time.Now()
	results, err := e.retriever.Search(ctx, req.Question, e.searchOptions(req))
	if err != nil {
		return nil, err
	}
	retrievalTime := time.Since(retrievalStart)
	contextText, sources := e.buildContext(results)
	messages := e.assembleMessages(ctx, req, contextText)

	llmStart := time.Now()
	answer, usage, err := e.chat.Chat(ctx, llm.Request{Messages: messages, Temperature: e.cfg.Temperature})
	if err != nil {
		return nil, err
	}
	if req.UseHistory {
		e.historyFor(req.OwnerID).Append(req.Question, answer)
	}

	highlights, marked := BuildHighlights(answer, sources)
	e.writeCache(ctx, req, fp, answer, sources)

	return &Response{
		Answer:            answer,
		HighlightedAnswer: marked,
		Sources:           sources,
		RetrievedCount:    len(results),
		Usage:             usage,
		Highlights:        highlights,
		RetrievalTime:     retrievalTime,
		LLMTime:           time.Since(llmStart),
	}, nil
}

// QueryStream answers a question as an event stream: one sources event, then
// chunk events, then exactly one done event. Stream failures emit an error
// event followed by done with the accumulated text so clients close cleanly.
// The returned response carries totals for auditing.
func (e *Engine) QueryStream(ctx context.Context, req Request, emit func(Event) error) (*Response, error) {
	fp := semcache.Fingerprint(req.Question, req.GroupIDs, req.OwnerID)
	if req.UseCache && e.cache != nil {
		if resp, ok := e.cachedResponse(ctx, fp); ok {
			return resp, e.streamCached(resp, emit)
		}
	}

	retrievalStart := time.Now()
	results, err := e.retriever.Search(ctx, req.Question, e.searchOptions(req))
	if err != nil {
		_ = emit(Event{Type: "error", Data: "retrieval failed"})
		_ = emit(Event{Type: "done", Data: ""})
		return nil, err
	}
	retrievalTime := time.Since(retrievalStart)
	contextText, sources := e.buildContext(results)
	if err := emit(Event{Type: "sources", Data: previews(sources)}); err != nil {
		return nil, err
	}

	messages := e.assembleMessages(ctx, req, contextText)
	llmStart := time.Now()
	seq, result := e.chat.ChatStream(ctx, llm.Request{Messages: messages, Temperature: e.cfg.Temperature})

	var b strings.Builder
	for delta, serr := range seq {
		if serr != nil {
			_ = emit(Event{Type: "error", Data: "generation failed"})
			_ = emit(Event{Type: "done", Data: b.String()})
			return nil, serr
		}
		b.WriteString(delta)
		if err := emit(Event{Type: "chunk", Data: delta}); err != nil {
			return nil, err
		}
	}
	answer := b.String()
	if err := emit(Event{Type: "done", Data: answer}); err != nil {
		return nil, err
	}

	if req.UseHistory {
		e.historyFor(req.OwnerID).Append(req.Question, answer)
	}
	// Cache write is ordered after the terminal event.
	e.writeCache(ctx, req, fp, answer, sources)

	highlights, marked := BuildHighlights(answer, sources)
	return &Response{
		Answer:            answer,
		HighlightedAnswer: marked,
		Sources:           sources,
		RetrievedCount:    len(results),
		Usage:             result.Usage,
		Highlights:        highlights,
		RetrievalTime:     retrievalTime,
		LLMTime:           time.Since(llmStart),
	}, nil
}

// ResetHistory drops the conversation for one key.
func (e *Engine) ResetHistory(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.histories, key)
}

func (e *Engine) searchOptions(req Request) search.Options {
	return search.Options{
		K:           req.K,
		OwnerID:     req.OwnerID,
		Admin:       req.Admin,
		GroupIDs:    req.GroupIDs,
		Filters:     req.Filters,
		UseReranker: req.UseReranker,
		Rewrite:     req.Rewrite,
	}
}

func (e *Engine) cachedResponse(ctx context.Context, fp string) (*Response, bool) {
	entry, ok := e.cache.Get(ctx, fp)
	if !ok {
		return nil, false
	}
	var sources []Source
	if len(entry.Sources) > 0 {
		if err := json.Unmarshal(entry.Sources, &sources); err != nil {
			e.logger.Warn("cache_sources_invalid", slog.String("error", err.Error()))
		}
	}
	highlights, marked := BuildHighlights(entry.Answer, sources)
	return &Response{
		Answer:            entry.Answer,
		HighlightedAnswer: marked,
		Sources:           sources,
		RetrievedCount:    len(sources),
		Highlights:        highlights,
		FromCache:         true,
	}, true
}

// streamCached replays a cache hit as synthetic stream events.
func (e *Engine) streamCached(resp *Response, emit func(Event) error) error {
	if err := emit(Event{Type: "sources", Data: previews(resp.Sources)}); err != nil {
		return err
	}
	runes := []rune(resp.Answer)
	for start := 0; start < len(runes); start += streamPieceSize {
		end := start + streamPieceSize
		if end > len(runes) {
			end = len(runes)
		}
		if err := emit(Event{Type: "chunk", Data: string(runes[start:end])}); err != nil {
			return err
		}
	}
	return emit(Event{Type: "done", Data: resp.Answer})
}

// buildContext formats retrieved chunks as numbered references under the two
// budget limits. Sources past the total budget are dropped and the cut-off
// is logged.
func (e *Engine) buildContext(results []search.Result) (string, []Source) {
	var (
		blocks  []string
		sources []Source
		total   int
	)
	for i, res := range results {
		content := truncateMiddle(res.Content, e.cfg.MaxSingleContentChars)
		block := fmt.Sprintf("[reference %d] %s, score: %.3f\n%s", i+1, res.FilePath, res.Score, content)
		if total+len(block) > e.cfg.MaxContextChars {
			e.logger.Info("context_budget_reached",
				slog.Int("cut_off_index", i),
				slog.Int("retrieved", len(results)))
			break
		}
		total += len(block)
		blocks = append(blocks, block)
		sources = append(sources, Source{FilePath: res.FilePath, Score: res.Score, Content: content})
	}
	return strings.Join(blocks, "\n\n"), sources
}

// assembleMessages builds the chat transcript: compacted history followed by
// the grounded prompt.
func (e *Engine) assembleMessages(ctx context.Context, req Request, contextText string) []llm.Message {
	var messages []llm.Message
	if req.UseHistory {
		h := e.historyFor(req.OwnerID)
		h.Compact(ctx, e.chat, e.logger)
		messages = h.Messages()
	}
	prompt := fmt.Sprintf(answerTemplate, contextText, req.Question)
	return append(messages, llm.User(prompt))
}

func (e *Engine) historyFor(key string) *History {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.histories[key]
	if !ok {
		h = NewHistory(e.cfg.MaxHistoryTurns, e.cfg.KeepRecentTurns, e.cfg.MaxSummaryChars)
		e.histories[key] = h
	}
	return h
}

func (e *Engine) writeCache(ctx context.Context, req Request, fp, answer string, sources []Source) {
	if !req.UseCache || e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, fp, req.Question, answer, sources); err != nil {
		e.logger.Warn("cache_write_failed", slog.String("error", err.Error()))
	}
}

func previews(sources []Source) []sourcePreview {
	out := make([]sourcePreview, len(sources))
	for i, s := range sources {
		preview := s.Content
		if runes := []rune(preview); len(runes) > previewChars {
			preview = string(runes[:previewChars])
		}
		out[i] = sourcePreview{FilePath: s.FilePath, Score: s.Score, Preview: preview}
	}
	return out
}

// truncateMiddle keeps the head and tail of oversized content with an
// ellipsis marker in between.
func truncateMiddle(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	const ellipsis = "\n...\n"
	keep := max - len(ellipsis)
	head := keep / 2
	tail := keep - head
	return string(runes[:head]) + ellipsis + string(runes[len(runes)-tail:])
}
