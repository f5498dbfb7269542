package client

import "sync"

// queuedCall is one request captured while the transport was down.
type queuedCall struct {
	// dedupeKey collapses repeated writes of the same logical value while
	// offline; empty means never collapse.
	dedupeKey string

	name string
	data []byte

	// deliver receives the eventual result once the call is replayed, or the
	// supersession error if a later write replaced this one.
	deliver func(map[string]any, error)
}

// offlineQueue buffers calls issued while disconnected, in FIFO order. A
// call with a dedupe key supersedes an earlier queued call with the same
// key: the newer payload takes the older call's place in line, and the older
// caller is failed with ErrSuperseded immediately.
type offlineQueue struct {
	mu       sync.Mutex
	calls    []*queuedCall
	draining bool
}

// push appends or supersedes. It returns the superseded call's deliver
// function (to be invoked outside the lock) or nil.
func (q *offlineQueue) push(call *queuedCall) func(map[string]any, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if call.dedupeKey != "" {
		for i, existing := range q.calls {
			if existing.dedupeKey == call.dedupeKey {
				superseded := existing.deliver
				q.calls[i] = call
				return superseded
			}
		}
	}
	q.calls = append(q.calls, call)
	return nil
}

// beginDrain claims the drain guard and takes the queued calls. It returns
// nil when another drain is already running; only one drain runs at a time
// even when reconnects race.
func (q *offlineQueue) beginDrain() []*queuedCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return nil
	}
	q.draining = true
	calls := q.calls
	q.calls = nil
	return calls
}

// endDrain releases the drain guard.
func (q *offlineQueue) endDrain() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

// requeueFront puts unreplayed calls back at the head, ahead of anything
// queued while the drain ran.
func (q *offlineQueue) requeueFront(calls []*queuedCall) {
	if len(calls) == 0 {
		return
	}
	q.mu.Lock()
	q.calls = append(append([]*queuedCall(nil), calls...), q.calls...)
	q.mu.Unlock()
}

func (q *offlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}
