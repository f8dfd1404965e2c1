package auth

import (
	"context"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/querystack/ragserve/internal/apperr"
	"github.com/querystack/ragserve/internal/store"
)

const minPasswordLen = 8

// Service ties the login pieces together.
type Service struct {
	users   UserStore
	tokens  *TokenManager
	limiter *LoginLimiter
	pwned   *PwnedChecker
	logger  *slog.Logger
}

// NewService creates the auth service. pwned may be nil to skip the breach
// check.
func NewService(users UserStore, tokens *TokenManager, limiter *LoginLimiter, pwned *PwnedChecker, logger *slog.Logger) *Service {
	return &Service{users: users, tokens: tokens, limiter: limiter, pwned: pwned, logger: logger}
}

// Login verifies credentials under the rate limiter and issues a token pair.
func (s *Service) Login(ctx context.Context, username, password, clientIP string) (*TokenPair, *store.User, error) {
	if locked, remaining := s.limiter.Check(clientIP, username); locked {
		return nil, nil, apperr.RateLimited("too many failed login attempts", remaining)
	}

	user, err := s.users.ByUsername(ctx, username)
	if apperr.KindOf(err) == apperr.KindNotFound {
		s.limiter.RecordFailure(clientIP, username)
		return nil, nil, apperr.Authf("invalid username or password")
	}
	if err != nil {
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.limiter.RecordFailure(clientIP, username)
		s.logger.Info("login_failed", slog.String("username", username), slog.String("ip", clientIP))
		return nil, nil, apperr.Authf("invalid username or password")
	}

	s.limiter.RecordSuccess(clientIP, username)
	pair, err := s.tokens.Issue(user.Username)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Refresh exchanges a valid refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	username, err := s.tokens.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.ByUsername(ctx, username); err != nil {
		return nil, apperr.Authf("user no longer exists")
	}
	return s.tokens.Issue(username)
}

// Authenticate resolves an access token to its user.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*store.User, error) {
	username, err := s.tokens.Verify(accessToken, TokenAccess)
	if err != nil {
		return nil, err
	}
	user, err := s.users.ByUsername(ctx, username)
	if err != nil {
		return nil, apperr.Authf("user no longer exists")
	}
	return user, nil
}

// ValidatePassword enforces the length floor and, when the checker is
// configured, rejects breached passwords. The breach check fails open.
func (s *Service) ValidatePassword(ctx context.Context, password string) error {
	if len(password) < minPasswordLen {
		return apperr.Validationf("password must be at least %d characters", minPasswordLen)
	}
	if s.pwned != nil && s.pwned.IsPwned(ctx, password) {
		return apperr.Validationf("password appears in a public breach corpus; choose another")
	}
	return nil
}

// HashPassword produces a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Internal("failed to hash password", err)
	}
	return string(hash), nil
}
