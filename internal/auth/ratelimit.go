package auth

import (
	"sync"
	"time"
)

// Lockout defaults.
const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutSeconds    = 300
)

type attemptState struct {
	failedCount   int
	firstFailedAt time.Time
	lastFailedAt  time.Time
	lockedUntil   time.Time
}

// LoginLimiter tracks failed logins keyed independently by client IP and by
// username. One mutex covers both maps; holds are O(1).
type LoginLimiter struct {
	mu       sync.Mutex
	byIP     map[string]*attemptState
	byUser   map[string]*attemptState
	maxFails int
	lockout  time.Duration
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLoginLimiter creates a limiter. Zero arguments take the defaults.
func NewLoginLimiter(maxFails int, lockout time.Duration) *LoginLimiter {
	if maxFails <= 0 {
		maxFails = DefaultMaxFailedAttempts
	}
	if lockout <= 0 {
		lockout = DefaultLockoutSeconds * time.Second
	}
	return &LoginLimiter{
		byIP:     make(map[string]*attemptState),
		byUser:   make(map[string]*attemptState),
		maxFails: maxFails,
		lockout:  lockout,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Check reports whether either key is currently locked out, and if so how
// many seconds remain.
func (l *LoginLimiter) Check(ip, username string) (locked bool, remainingSeconds int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, s := range []*attemptState{l.byIP[ip], l.byUser[username]} {
		if s == nil {
			continue
		}
		if now.Before(s.lockedUntil) {
			rem := int(s.lockedUntil.Sub(now).Seconds() + 0.999)
			if rem > remainingSeconds {
				remainingSeconds = rem
			}
			locked = true
		}
	}
	return locked, remainingSeconds
}

// RecordFailure registers a failed attempt on both keys. Once the larger of
// the two counters reaches the threshold, both keys lock.
func (l *LoginLimiter) RecordFailure(ip, username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	ipState := l.bump(l.byIP, ip, now)
	userState := l.bump(l.byUser, username, now)

	worst := ipState.failedCount
	if userState.failedCount > worst {
		worst = userState.failedCount
	}
	if worst >= l.maxFails {
		until := now.Add(l.lockout)
		ipState.lockedUntil = until
		userState.lockedUntil = until
	}
}

// RecordSuccess clears both keys.
func (l *LoginLimiter) RecordSuccess(ip, username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byIP, ip)
	delete(l.byUser, username)
}

func (l *LoginLimiter) bump(m map[string]*attemptState, key string, now time.Time) *attemptState {
	s, ok := m[key]
	if !ok {
		s = &attemptState{firstFailedAt: now}
		m[key] = s
	}
	// A stale streak starts over.
	if now.Sub(s.lastFailedAt) > l.lockout {
		s.failedCount = 0
		s.firstFailedAt = now
	}
	s.failedCount++
	s.lastFailedAt = now
	return s
}

// StartCleanup periodically drops keys whose locks have expired and whose
// last failure is older than twice the lockout window.
func (l *LoginLimiter) StartCleanup() {
	go func() {
		ticker := time.NewTicker(2 * l.lockout)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.cleanup()
			case <-l.stop:
				return
			}
		}
	}()
}

// Close stops the cleanup loop.
func (l *LoginLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *LoginLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * l.lockout)
	for _, m := range []map[string]*attemptState{l.byIP, l.byUser} {
		for key, s := range m {
			if l.now().After(s.lockedUntil) && s.lastFailedAt.Before(cutoff) {
				delete(m, key)
			}
		}
	}
}
