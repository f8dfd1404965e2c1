package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	pwnedRangeURL      = "https://api.pwnedpasswords.com/range/"
	defaultPwnedTimout = 3 * time.Second
)

// PwnedChecker queries the k-anonymity range API. The check is best effort:
// any failure reports "not pwned" so an external outage never blocks logins
// or password changes.
type PwnedChecker struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewPwnedChecker creates a checker. An empty baseURL uses the public API.
func NewPwnedChecker(baseURL string, timeout time.Duration, logger *slog.Logger) *PwnedChecker {
	if baseURL == "" {
		baseURL = pwnedRangeURL
	}
	if timeout <= 0 {
		timeout = defaultPwnedTimout
	}
	return &PwnedChecker{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger,
	}
}

// IsPwned reports whether the password appears in the breach corpus. Only
// the first five hex characters of the SHA-1 leave the process.
func (p *PwnedChecker) IsPwned(ctx context.Context, password string) bool {
	sum := fmt.Sprintf("%X", sha1.Sum([]byte(password)))
	prefix, suffix := sum[:5], sum[5:]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+prefix, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("pwned_check_unavailable", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("pwned_check_unexpected_status", slog.Int("status", resp.StatusCode))
		return false
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if hash, _, ok := strings.Cut(line, ":"); ok && strings.EqualFold(hash, suffix) {
			return true
		}
	}
	return false
}
