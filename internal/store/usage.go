package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/querystack/ragserve/internal/apperr"
)

// UsageRepo appends request audit rows.
type UsageRepo struct {
	pool *pgxpool.Pool
}

// Append inserts one usage log row.
func (r *UsageRepo) Append(ctx context.Context, u *UsageLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usage_logs (model, provider, user_id, request_kind, question, answer_preview,
			input_tokens, output_tokens, total_tokens, cost_estimate,
			retrieval_ms, llm_ms, retrieval_count, reranked, success, error, client_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		u.Model, u.Provider, u.UserID, u.RequestKind, u.Question, u.AnswerPreview,
		u.InputTokens, u.OutputTokens, u.TotalTokens, u.CostEstimate,
		u.RetrievalMs, u.LLMMs, u.RetrievalCount, u.Reranked, u.Success, u.Error, u.ClientIP, u.UserAgent)
	if err != nil {
		return apperr.Internal("failed to append usage log", err)
	}
	return nil
}
