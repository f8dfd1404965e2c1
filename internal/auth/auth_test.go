package auth

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querystack/ragserve/internal/apperr"
	"github.com/querystack/ragserve/internal/store"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]store.User // by username
	calls int
}

func newMemUsers(users ...store.User) *memUsers {
	m := &memUsers{users: make(map[string]store.User)}
	for _, u := range users {
		m.users[u.Username] = u
	}
	return m
}

func (m *memUsers) ByID(_ context.Context, id string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	for _, u := range m.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, apperr.NotFoundf("user %s not found", id)
}

func (m *memUsers) ByUsername(_ context.Context, username string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	u, ok := m.users[username]
	if !ok {
		return nil, apperr.NotFoundf("user %s not found", username)
	}
	return &u, nil
}

func (m *memUsers) Admin(_ context.Context) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	for _, u := range m.users {
		if u.IsAdmin {
			return &u, nil
		}
	}
	return nil, apperr.NotFoundf("no administrator account")
}

type memKeys struct {
	mu    sync.Mutex
	keys  map[string]store.APIKey
	calls int
}

func newMemKeys(keys ...store.APIKey) *memKeys {
	m := &memKeys{keys: make(map[string]store.APIKey)}
	for _, k := range keys {
		m.keys[k.Key] = k
	}
	return m
}

func (m *memKeys) ByKey(_ context.Context, key string) (*store.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	k, ok := m.keys[key]
	if !ok {
		return nil, apperr.NotFoundf("api key not found")
	}
	return &k, nil
}

func (m *memKeys) Touch(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.keys[key]
	k.UsageCount++
	m.keys[key] = k
	return nil
}

func (m *memKeys) lookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := HashPassword(password)
	require.NoError(t, err)
	return h
}

func TestTokenRoundTrip(t *testing.T) {
	m := NewTokenManager("test-secret", 0, 0)
	pair, err := m.Issue("alice")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Positive(t, pair.ExpiresIn)

	sub, err := m.Verify(pair.AccessToken, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	sub, err = m.Verify(pair.RefreshToken, TokenRefresh)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
}

func TestTokenTypeEnforced(t *testing.T) {
	m := NewTokenManager("test-secret", 0, 0)
	pair, err := m.Issue("alice")
	require.NoError(t, err)

	_, err = m.Verify(pair.RefreshToken, TokenAccess)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	_, err = m.Verify(pair.AccessToken, TokenRefresh)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
}

func TestTokenRejectsTamperingAndWrongKey(t *testing.T) {
	m := NewTokenManager("test-secret", 0, 0)
	pair, err := m.Issue("alice")
	require.NoError(t, err)

	_, err = m.Verify(pair.AccessToken+"x", TokenAccess)
	assert.Error(t, err)

	other := NewTokenManager("other-secret", 0, 0)
	_, err = other.Verify(pair.AccessToken, TokenAccess)
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	m := NewTokenManager("test-secret", time.Millisecond, 0)
	pair, err := m.Issue("alice")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = m.Verify(pair.AccessToken, TokenAccess)
	assert.Error(t, err)
}

func TestLimiterLocksAfterThreshold(t *testing.T) {
	l := NewLoginLimiter(5, 300*time.Second)

	for i := 0; i < 4; i++ {
		l.RecordFailure("1.2.3.4", "u")
		locked, _ := l.Check("1.2.3.4", "u")
		assert.False(t, locked)
	}
	l.RecordFailure("1.2.3.4", "u")

	locked, remaining := l.Check("1.2.3.4", "u")
	assert.True(t, locked)
	assert.Positive(t, remaining)

	// Both keys locked: a different IP with the same username is rejected,
	// and the locked IP is rejected for a different username.
	locked, _ = l.Check("9.9.9.9", "u")
	assert.True(t, locked)
	locked, _ = l.Check("1.2.3.4", "other")
	assert.True(t, locked)
}

func TestLimiterSuccessClears(t *testing.T) {
	l := NewLoginLimiter(5, 300*time.Second)
	for i := 0; i < 5; i++ {
		l.RecordFailure("1.2.3.4", "u")
	}
	l.RecordSuccess("1.2.3.4", "u")
	locked, _ := l.Check("1.2.3.4", "u")
	assert.False(t, locked)
}

func TestLimiterStaleStreakResets(t *testing.T) {
	l := NewLoginLimiter(5, 300*time.Second)
	base := time.Now()
	l.now = func() time.Time { return base }
	for i := 0; i < 4; i++ {
		l.RecordFailure("1.2.3.4", "u")
	}

	l.now = func() time.Time { return base.Add(301 * time.Second) }
	l.RecordFailure("1.2.3.4", "u")
	locked, _ := l.Check("1.2.3.4", "u")
	assert.False(t, locked, "counter restarted after a quiet period")
}

func TestLimiterCleanup(t *testing.T) {
	l := NewLoginLimiter(5, 300*time.Second)
	base := time.Now()
	l.now = func() time.Time { return base }
	l.RecordFailure("1.2.3.4", "u")

	l.now = func() time.Time { return base.Add(601 * time.Second) }
	l.cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.byIP)
	assert.Empty(t, l.byUser)
}

func TestKeyVerifierResolvesBoundKey(t *testing.T) {
	uid := "u-1"
	users := newMemUsers(store.User{ID: uid, Username: "alice"})
	keys := newMemKeys(store.APIKey{Key: "k-1", UserID: &uid, Active: true})
	v := NewKeyVerifier(KeyVerifierConfig{}, keys, users, slog.Default())

	user, err := v.Verify(context.Background(), "k-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestKeyVerifierCacheSkipsStore(t *testing.T) {
	uid := "u-1"
	users := newMemUsers(store.User{ID: uid, Username: "alice"})
	keys := newMemKeys(store.APIKey{Key: "k-1", UserID: &uid, Active: true})
	v := NewKeyVerifier(KeyVerifierConfig{}, keys, users, slog.Default())

	_, err := v.Verify(context.Background(), "k-1")
	require.NoError(t, err)
	first := keys.lookups()
	_, err = v.Verify(context.Background(), "k-1")
	require.NoError(t, err)
	assert.Equal(t, first, keys.lookups(), "second verification served from cache")
}

func TestKeyVerifierRejections(t *testing.T) {
	uid := "u-1"
	past := time.Now().Add(-time.Hour)
	users := newMemUsers(store.User{ID: uid, Username: "alice"})
	keys := newMemKeys(
		store.APIKey{Key: "inactive", UserID: &uid, Active: false},
		store.APIKey{Key: "expired", UserID: &uid, Active: true, ExpiresAt: &past},
	)
	v := NewKeyVerifier(KeyVerifierConfig{}, keys, users, slog.Default())

	for _, key := range []string{"inactive", "expired", "unknown", ""} {
		_, err := v.Verify(context.Background(), key)
		assert.Equal(t, apperr.KindAuth, apperr.KindOf(err), "key %q", key)
	}
}

func TestKeyVerifierLegacyAdminFallback(t *testing.T) {
	users := newMemUsers(store.User{ID: "a-1", Username: "root", IsAdmin: true})
	keys := newMemKeys(store.APIKey{Key: "legacy", Active: true})

	v := NewKeyVerifier(KeyVerifierConfig{AllowLegacyAdmin: true}, keys, users, slog.Default())
	user, err := v.Verify(context.Background(), "legacy")
	require.NoError(t, err)
	assert.True(t, user.IsAdmin)

	// Disabled legacy mode rejects the same key.
	v = NewKeyVerifier(KeyVerifierConfig{}, newMemKeys(store.APIKey{Key: "legacy", Active: true}), users, slog.Default())
	_, err = v.Verify(context.Background(), "legacy")
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
}

func TestKeyVerifierMissingAdminIsConfigError(t *testing.T) {
	users := newMemUsers(store.User{ID: "u-1", Username: "alice"})
	keys := newMemKeys(store.APIKey{Key: "legacy", Active: true})
	v := NewKeyVerifier(KeyVerifierConfig{AllowLegacyAdmin: true}, keys, users, slog.Default())

	_, err := v.Verify(context.Background(), "legacy")
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func newTestService(t *testing.T, users *memUsers) *Service {
	t.Helper()
	return NewService(users, NewTokenManager("test-secret", 0, 0),
		NewLoginLimiter(5, 300*time.Second), nil, slog.Default())
}

func TestLoginSuccess(t *testing.T) {
	users := newMemUsers(store.User{ID: "u-1", Username: "alice", PasswordHash: mustHash(t, "correct horse")})
	s := newTestService(t, users)

	pair, user, err := s.Login(context.Background(), "alice", "correct horse", "1.2.3.4")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.Equal(t, "alice", user.Username)
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	users := newMemUsers(store.User{ID: "u-1", Username: "u", PasswordHash: mustHash(t, "right")})
	s := newTestService(t, users)

	for i := 0; i < 5; i++ {
		_, _, err := s.Login(context.Background(), "u", "wrong", "1.2.3.4")
		assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	}

	_, _, err := s.Login(context.Background(), "u", "wrong", "1.2.3.4")
	require.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Positive(t, appErr.RetryAfterSeconds)

	// Even the correct password is rejected while locked.
	_, _, err = s.Login(context.Background(), "u", "right", "1.2.3.4")
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
}

func TestRefreshFlow(t *testing.T) {
	users := newMemUsers(store.User{ID: "u-1", Username: "alice", PasswordHash: mustHash(t, "correct horse")})
	s := newTestService(t, users)

	pair, _, err := s.Login(context.Background(), "alice", "correct horse", "1.2.3.4")
	require.NoError(t, err)

	fresh, err := s.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.AccessToken)

	// An access token is not accepted as a refresh token.
	_, err = s.Refresh(context.Background(), pair.AccessToken)
	assert.Error(t, err)
}

func TestValidatePassword(t *testing.T) {
	s := newTestService(t, newMemUsers())
	err := s.ValidatePassword(context.Background(), "short")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.NoError(t, s.ValidatePassword(context.Background(), "long enough password"))
}

func TestPwnedCheck(t *testing.T) {
	sum := fmt.Sprintf("%X", sha1.Sum([]byte("password123")))
	suffix := sum[5:]

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "0000000000000000000000000000000000A:1\r\n%s:4523\r\n", suffix)
	}))
	defer srv.Close()

	p := NewPwnedChecker(srv.URL+"/range/", time.Second, slog.Default())
	assert.True(t, p.IsPwned(context.Background(), "password123"))
	assert.False(t, p.IsPwned(context.Background(), "sOmething-Else-42"))
}

func TestPwnedCheckFailsOpen(t *testing.T) {
	p := NewPwnedChecker("http://127.0.0.1:1/range/", 100*time.Millisecond, slog.Default())
	assert.False(t, p.IsPwned(context.Background(), "password123"))
}
