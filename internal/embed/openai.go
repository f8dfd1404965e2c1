package embed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/querystack/ragserve/internal/apperr"
)

// OpenAIConfig configures the remote embedder.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	BatchSize int
	// Dimensions is optional; zero means probe on first use.
	Dimensions int
}

// OpenAIEmbedder generates embeddings via an OpenAI-format HTTP endpoint.
// Any server speaking the /v1/embeddings protocol works (OpenAI, vLLM,
// text-embeddings-inference, LocalAI).
type OpenAIEmbedder struct {
	client    openai.Client
	model     string
	batchSize int

	mu     sync.RWMutex
	dims   int
	closed bool
}

// Verify interface implementation at compile time.
var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates a remote embedder.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIEmbedder{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		batchSize: clampBatchSize(cfg.BatchSize),
		dims:      cfg.Dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for texts, preserving input order.
// Requests are split into batches of the configured size. The server may
// return data out of order; the response index field restores ordering.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedOne(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedOne performs a single API round-trip for one batch.
func (e *OpenAIEmbedder) embedOne(ctx context.Context, batch []string) ([][]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: batch,
		},
	})
	if err != nil {
		return nil, apperr.Transient("embedding request failed", err)
	}
	if len(resp.Data) != len(batch) {
		return nil, apperr.Permanent(
			fmt.Sprintf("embedding response size mismatch: sent %d, got %d", len(batch), len(resp.Data)), nil)
	}

	// Restore input order via the explicit index field.
	data := make([]openai.Embedding, len(resp.Data))
	copy(data, resp.Data)
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vecs := make([][]float32, len(data))
	for i, d := range data {
		v := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			v[j] = float32(f)
		}
		vecs[i] = normalizeVector(v)
	}

	// Cache dimension from the first successful response.
	if len(vecs) > 0 {
		e.mu.Lock()
		if e.dims == 0 {
			e.dims = len(vecs[0])
		}
		e.mu.Unlock()
	}
	return vecs, nil
}

// Dimensions returns the cached embedding dimension (0 before first use
// when not configured explicitly).
func (e *OpenAIEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}

// Close marks the embedder closed.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
