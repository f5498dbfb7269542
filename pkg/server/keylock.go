package server

import (
	"context"
	"sync"
)

// KeyLock serializes operations per string key. Session read-modify-write
// sequences for one identity token run in strict submission order; distinct
// tokens proceed independently.
//
// Internally each key holds the tail of its operation chain. Acquiring
// composes a new tail; release clears the map entry only when no further
// operation queued behind it, bounding memory to the set of busy keys.
type KeyLock struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewKeyLock creates an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{tails: make(map[string]chan struct{})}
}

// WithLock runs op while holding the key's lock. Queued callers run in
// submission order; a failing op does not block the next queued one. The
// error from op is returned as-is, or ctx.Err() if the context is done
// before the lock is acquired.
func (l *KeyLock) WithLock(ctx context.Context, key string, op func(ctx context.Context) error) error {
	// Chain onto the current tail and replace it atomically so concurrent
	// callers queue behind each other.
	done := make(chan struct{})
	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = done
	l.mu.Unlock()

	release := func() {
		close(done)
		// Optimistic compare-and-clear: drop the entry only if no caller
		// queued behind us.
		l.mu.Lock()
		if l.tails[key] == done {
			delete(l.tails, key)
		}
		l.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Still hand the lock over in order once the predecessor
			// finishes, so later waiters are not stranded.
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}

	defer release()
	return op(ctx)
}

// Busy returns the number of keys with live chains, for tests and stats.
func (l *KeyLock) Busy() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}
