package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("vector store unavailable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindUpstreamTransient, KindOf(err))
	assert.True(t, IsRetryable(err))

	// Wrapped through fmt, the kind survives.
	wrapped := fmt.Errorf("search: %w", err)
	assert.Equal(t, KindUpstreamTransient, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth", Authf("invalid token"), http.StatusUnauthorized},
		{"validation", Validationf("content too short"), http.StatusBadRequest},
		{"not_found", NotFoundf("knowledge %s", "k1"), http.StatusNotFound},
		{"rate_limited", RateLimited("locked", 120), http.StatusTooManyRequests},
		{"transient", Transient("llm timeout", nil), http.StatusServiceUnavailable},
		{"permanent", Permanent("bad model", nil), http.StatusBadGateway},
		{"internal", Internal("boom", errors.New("pq: connection reset")), http.StatusInternalServerError},
		{"plain_error", errors.New("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestClientMessageNeverLeaksInternals(t *testing.T) {
	err := Internal("db write failed", errors.New("pq: duplicate key value violates unique constraint"))
	msg := ClientMessage(err)

	assert.Equal(t, "internal error", msg)
	assert.NotContains(t, msg, "pq:")
}

func TestDetails(t *testing.T) {
	err := Validationf("missing field").WithDetail("field", "question")
	require.NotNil(t, err.Details)
	assert.Equal(t, "question", err.Details["field"])
}

func TestRetryAfter(t *testing.T) {
	err := RateLimited("account locked", 87)
	assert.Equal(t, 87, err.RetryAfterSeconds)
}
