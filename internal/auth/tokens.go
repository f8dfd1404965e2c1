// Package auth implements authentication: JWT issuance and verification,
// API-key resolution with a verification cache, the login rate limiter, and
// the best-effort pwned-password check.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/querystack/ragserve/internal/apperr"
)

// Token types carried in the "type" claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// Token lifetimes.
const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// claims is the HS256 payload: {sub, type, exp}.
type claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 token pairs.
type TokenManager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenManager creates a manager. Zero TTLs take the defaults.
func NewTokenManager(secret string, accessTTL, refreshTTL time.Duration) *TokenManager {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &TokenManager{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// TokenPair is one issued access/refresh pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Issue mints a token pair for the given username.
func (m *TokenManager) Issue(username string) (*TokenPair, error) {
	access, err := m.sign(username, TokenAccess, m.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := m.sign(username, TokenRefresh, m.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(m.accessTTL.Seconds()),
	}, nil
}

func (m *TokenManager) sign(username, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", apperr.Internal("failed to sign token", err)
	}
	return signed, nil
}

// Verify parses a token, checks the signature and expiry, and requires the
// given token type. It returns the subject username.
func (m *TokenManager) Verify(tokenString, wantType string) (string, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Authf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return "", apperr.Authf("invalid or expired token")
	}
	if c.Type != wantType {
		return "", apperr.Authf("token type %q not accepted here", c.Type)
	}
	if c.Subject == "" {
		return "", apperr.Authf("token has no subject")
	}
	return c.Subject, nil
}
