package server

import (
	"sync"
	"time"
)

// FixedWindowLimiter is the default RateLimiter: a fixed-window counter per
// key with periodic eviction of idle entries. Counters are process-local and
// advisory (see RateLimiter).
type FixedWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	hits    uint64
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewFixedWindowLimiter creates an empty limiter.
func NewFixedWindowLimiter() *FixedWindowLimiter {
	return &FixedWindowLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow consumes one unit for key within the fixed window. The first call in
// a window starts it; the (limit+1)-th call inside the window is rejected
// with the time remaining until the window rolls over.
func (l *FixedWindowLimiter) Allow(key string, limit int, windowSize time.Duration) (bool, time.Duration) {
	if limit <= 0 || windowSize <= 0 {
		return true, 0
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= windowSize {
		l.windows[key] = &window{start: now, count: 1}
		l.evictExpiredLocked(now, windowSize)
		return true, 0
	}

	if w.count >= limit {
		return false, w.start.Add(windowSize).Sub(now)
	}
	w.count++
	return true, 0
}

// evictExpiredLocked drops stale windows every few hundred insertions so the
// map does not grow with the key universe.
func (l *FixedWindowLimiter) evictExpiredLocked(now time.Time, windowSize time.Duration) {
	l.hits++
	if l.hits%512 != 0 {
		return
	}
	cutoff := now.Add(-2 * windowSize)
	for k, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, k)
		}
	}
}
