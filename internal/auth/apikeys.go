package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/querystack/ragserve/internal/apperr"
	"github.com/querystack/ragserve/internal/store"
)

// Verification cache defaults.
const (
	DefaultKeyCacheSize = 512
	DefaultKeyCacheTTL  = time.Minute
)

// KeyStore is the API-key persistence surface.
type KeyStore interface {
	ByKey(ctx context.Context, key string) (*store.APIKey, error)
	Touch(ctx context.Context, key string) error
}

// UserStore resolves identities.
type UserStore interface {
	ByID(ctx context.Context, id string) (*store.User, error)
	ByUsername(ctx context.Context, username string) (*store.User, error)
	Admin(ctx context.Context) (*store.User, error)
}

// KeyVerifierConfig tunes API-key verification.
type KeyVerifierConfig struct {
	// AllowLegacyAdmin resolves unbound keys to the first administrator.
	// Known security footgun; every use is logged, and deployments can turn
	// it off here.
	AllowLegacyAdmin bool
	CacheSize        int
	CacheTTL         time.Duration
}

// KeyVerifier resolves API keys to users, with a short-lived verification
// cache so hot keys skip the database.
type KeyVerifier struct {
	cfg    KeyVerifierConfig
	keys   KeyStore
	users  UserStore
	logger *slog.Logger
	cache  *expirable.LRU[string, *store.User]
	now    func() time.Time
}

// NewKeyVerifier creates a verifier.
func NewKeyVerifier(cfg KeyVerifierConfig, keys KeyStore, users UserStore, logger *slog.Logger) *KeyVerifier {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultKeyCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultKeyCacheTTL
	}
	return &KeyVerifier{
		cfg:    cfg,
		keys:   keys,
		users:  users,
		logger: logger,
		cache:  expirable.NewLRU[string, *store.User](cfg.CacheSize, nil, cfg.CacheTTL),
		now:    time.Now,
	}
}

// Verify resolves a key to its user. Unbound keys fall back to the first
// administrator when the legacy mode is enabled; a missing administrator is
// a server configuration error, not an auth failure.
func (v *KeyVerifier) Verify(ctx context.Context, key string) (*store.User, error) {
	if key == "" {
		return nil, apperr.Authf("missing api key")
	}
	if user, ok := v.cache.Get(key); ok {
		return user, nil
	}

	rec, err := v.keys.ByKey(ctx, key)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, apperr.Authf("invalid api key")
	}
	if err != nil {
		return nil, err
	}
	if !rec.Active {
		return nil, apperr.Authf("api key is deactivated")
	}
	if rec.ExpiresAt != nil && v.now().After(*rec.ExpiresAt) {
		return nil, apperr.Authf("api key has expired")
	}

	var user *store.User
	if rec.UserID != nil {
		user, err = v.users.ByID(ctx, *rec.UserID)
		if err != nil {
			return nil, apperr.Internal("api key references a missing user", err)
		}
	} else {
		if !v.cfg.AllowLegacyAdmin {
			return nil, apperr.Authf("api key has no bound user")
		}
		user, err = v.users.Admin(ctx)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, apperr.Internal("legacy api key requires an administrator account and none exists", err)
		}
		if err != nil {
			return nil, err
		}
		v.logger.Warn("legacy_api_key_resolved_to_admin", slog.String("admin", user.Username))
	}

	if err := v.keys.Touch(ctx, key); err != nil {
		v.logger.Warn("api_key_touch_failed", slog.String("error", err.Error()))
	}
	v.cache.Add(key, user)
	return user, nil
}
