// Package audit records every LLM invocation as an append-only usage row.
// Writes are best effort: a failed audit write is logged, never surfaced to
// the request that produced it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/querystack/ragserve/internal/store"
)

const (
	answerPreviewChars = 200
	errorPreviewChars  = 500
)

// Sink persists usage rows.
type Sink interface {
	Append(ctx context.Context, u *store.UsageLog) error
}

// Record is the per-request material the recorder turns into a usage row.
type Record struct {
	Model          string
	Provider       string
	UserID         string
	RequestKind    string
	Question       string
	Answer         string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	RetrievalTime  time.Duration
	LLMTime        time.Duration
	RetrievalCount int
	Reranked       bool
	Err            error
	ClientIP       string
	UserAgent      string
}

// Recorder writes audit rows.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	// CostPerKiloToken estimates spend from total tokens. Zero disables the
	// estimate.
	CostPerKiloToken float64
}

// New creates a recorder.
func New(sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Write persists one record. The given context may already be canceled
// (client went away), so the write uses its own short deadline.
func (r *Recorder) Write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := &store.UsageLog{
		Model:          rec.Model,
		Provider:       rec.Provider,
		UserID:         rec.UserID,
		RequestKind:    rec.RequestKind,
		Question:       rec.Question,
		AnswerPreview:  preview(rec.Answer, answerPreviewChars),
		InputTokens:    rec.InputTokens,
		OutputTokens:   rec.OutputTokens,
		TotalTokens:    rec.TotalTokens,
		CostEstimate:   r.CostPerKiloToken * float64(rec.TotalTokens) / 1000,
		RetrievalMs:    rec.RetrievalTime.Milliseconds(),
		LLMMs:          rec.LLMTime.Milliseconds(),
		RetrievalCount: rec.RetrievalCount,
		Reranked:       rec.Reranked,
		Success:        rec.Err == nil,
		ClientIP:       rec.ClientIP,
		UserAgent:      rec.UserAgent,
	}
	if rec.Err != nil {
		row.Error = preview(rec.Err.Error(), errorPreviewChars)
	}

	if err := r.sink.Append(ctx, row); err != nil {
		r.logger.Warn("usage_log_write_failed", slog.String("error", err.Error()))
	}
}

func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
