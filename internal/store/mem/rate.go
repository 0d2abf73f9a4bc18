package mem

import (
	"context"
	"sync"
	"time"

	"threatdesk.io/internal/auth"
)

// RateLimiter implements auth.RateStore with fixed windows per key. The
// read-check-increment happens under one lock so two concurrent requests
// can never both pass a check that should have tripped the limit.
type RateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*rateWindow
}

type rateWindow struct {
	count   int
	startAt time.Time
}

var _ auth.RateStore = (*RateLimiter)(nil)

// NewRateLimiter constructs a RateLimiter. A nil clock falls back to
// time.Now.
func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		now:     now,
		windows: make(map[string]*rateWindow),
	}
}

// Allow increments the counter for key if it is under the limit and
// reports the verdict. A rejected request does not consume budget.
// Counters reset when the window elapses.
func (l *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	now := l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.startAt) >= window {
		l.windows[key] = &rateWindow{count: 1, startAt: now}
		l.sweep(now, window)
		return true, nil
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// sweep drops windows stale by more than one full period. Called with the
// lock held.
func (l *RateLimiter) sweep(now time.Time, window time.Duration) {
	if len(l.windows) < 4096 {
		return
	}
	for key, w := range l.windows {
		if now.Sub(w.startAt) >= 2*window {
			delete(l.windows, key)
		}
	}
}
