package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/querystack/ragserve/internal/apperr"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response_encode_failed", slog.String("error", err.Error()))
	}
}

// writeError maps an error to its HTTP status and client-safe message.
// Internals stay in the log, never in the body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}

	resp := errorResponse{Error: apperr.ClientMessage(err)}
	var e *apperr.Error
	if errors.As(err, &e) {
		resp.Details = e.Details
		if e.Kind == apperr.KindRateLimited && e.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfterSeconds))
		}
	}
	s.writeJSON(w, status, resp)
}

// queryInt reads an integer query parameter, falling back on absence or a
// malformed value.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// decodeJSON reads a bounded request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return apperr.Validationf("invalid JSON body")
	}
	return nil
}
