package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Lockout rate-limits failed logins per key (account login or source
// address) with a token bucket. Exhausting the bucket locks the key
// for the cool-off window; every attempt inside that window is
// rejected regardless of credential correctness.
type Lockout struct {
	threshold int
	window    time.Duration

	mu      sync.Mutex
	entries map[string]*lockoutEntry
}

type lockoutEntry struct {
	limiter     *rate.Limiter
	lockedUntil time.Time
}

// NewLockout creates a Lockout allowing threshold failures per window
// before locking for window.
func NewLockout(threshold int, window time.Duration) *Lockout {
	return &Lockout{
		threshold: threshold,
		window:    window,
		entries:   make(map[string]*lockoutEntry),
	}
}

func (l *Lockout) entry(key string) *lockoutEntry {
	e, ok := l.entries[key]
	if !ok {
		// Bucket starts full with threshold tokens and refills over
		// the window.
		e = &lockoutEntry{
			limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.threshold)), l.threshold),
		}
		l.entries[key] = e
	}
	return e
}

// Locked reports whether the key is inside a lockout window.
func (l *Lockout) Locked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && time.Now().Before(e.lockedUntil)
}

// RecordFailure consumes one failure token for the key. The bucket
// admits threshold failures; the next failure finds it empty and locks
// the key for the cool-off window. Returns true if the key is now
// locked.
func (l *Lockout) RecordFailure(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(key)
	if time.Now().Before(e.lockedUntil) {
		return true
	}
	if !e.limiter.Allow() {
		e.lockedUntil = time.Now().Add(l.window)
		return true
	}
	return false
}

// Reset clears failure state for the key after a successful login.
func (l *Lockout) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}
