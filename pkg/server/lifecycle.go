package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/relay/pkg/protocol"
)

// Disconnect reasons recognized by the lifecycle coordinator.
const (
	// ReasonIntentional is the deliberate tab-switch variant. It gets the
	// longest grace window and never deletes the session on expiry.
	ReasonIntentional = "intentional disconnect"

	// ReasonPingTimeout and ReasonTransportError are transient network
	// reasons with a medium grace window.
	ReasonPingTimeout    = "ping timeout"
	ReasonTransportError = "transport error"

	// ReasonTransportClose is an ordinary close with the shortest window.
	ReasonTransportClose = "transport close"

	// ReasonServerShutdown is on the default ignore-list: shutting down must
	// not delete every session.
	ReasonServerShutdown = "server shutdown"
)

// PresenceState is the lifecycle state of one identity.
type PresenceState int

const (
	// PresenceGone means no live connection and no pending grace timer.
	PresenceGone PresenceState = iota

	// PresenceActive means at least one live connection.
	PresenceActive

	// PresencePendingDisconnect means a grace timer is armed.
	PresencePendingDisconnect
)

// graceEntry is the single live disconnect timer for a token. The sequence
// number lets the expiry callback verify it is still the scheduled timer,
// handling cancel-then-rearm races.
type graceEntry struct {
	timer   *time.Timer
	reason  string
	armedAt time.Time
	seq     uint64
}

// Lifecycle is the presence state machine per identity: connect, disconnect
// with reason-dependent grace windows, and the AFK signal.
type Lifecycle struct {
	mu      sync.Mutex
	pending map[string]*graceEntry
	active  map[string]int // live connection count per token
	seq     uint64

	registry *ConnRegistry
	store    SessionStore
	locks    *KeyLock
	config   *Config
	reporter Reporter
	logger   *slog.Logger

	ignoreReasons map[string]struct{}
}

// NewLifecycle creates the coordinator.
func NewLifecycle(registry *ConnRegistry, store SessionStore, locks *KeyLock, config *Config, reporter Reporter, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	ignore := make(map[string]struct{}, len(config.IgnoreDisconnectReasons))
	for _, r := range config.IgnoreDisconnectReasons {
		ignore[r] = struct{}{}
	}
	return &Lifecycle{
		pending:       make(map[string]*graceEntry),
		active:        make(map[string]int),
		registry:      registry,
		store:         store,
		locks:         locks,
		config:        config,
		reporter:      reporter,
		logger:        logger.With("component", "lifecycle"),
		ignoreReasons: ignore,
	}
}

// State returns the current presence state for a token.
func (l *Lifecycle) State(token string) PresenceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[token] > 0 {
		return PresenceActive
	}
	if _, ok := l.pending[token]; ok {
		return PresencePendingDisconnect
	}
	return PresenceGone
}

// Connect transitions a token to ACTIVE. Any live grace timer is cancelled
// without touching the session. When the identity had prior room
// memberships, a presence-restored event is broadcast to those rooms,
// excluding the identity itself.
func (l *Lifecycle) Connect(ctx context.Context, token string) {
	l.mu.Lock()
	l.active[token]++
	entry, wasPending := l.pending[token]
	if wasPending {
		entry.timer.Stop()
		delete(l.pending, token)
	}
	l.mu.Unlock()

	session, err := l.store.Get(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			l.logger.Error("session load on connect failed", "error", err)
		}
		return
	}

	if wasPending {
		l.logger.Debug("reconnect within grace window",
			"reason", entry.reason,
			"pending_for", time.Since(entry.armedAt))
	}

	for _, room := range session.Rooms {
		l.registry.BroadcastExceptToken(room, protocol.EventUserBack,
			map[string]any{"user": session.UserID}, token)
	}
}

// Disconnect records a connection loss for a token. Reasons on the
// ignore-list cause no transition. While other connections for the token
// remain live, the state stays ACTIVE. Arming is idempotent: a token has at
// most one live timer.
func (l *Lifecycle) Disconnect(token, reason string) {
	if token == "" {
		return
	}
	if _, ignored := l.ignoreReasons[reason]; ignored {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active[token] > 0 {
		l.active[token]--
		if l.active[token] == 0 {
			delete(l.active, token)
		}
	}
	if l.active[token] > 0 {
		return
	}

	if _, alreadyPending := l.pending[token]; alreadyPending {
		return
	}

	grace := l.graceFor(reason)
	l.seq++
	entry := &graceEntry{
		reason:  reason,
		armedAt: time.Now(),
		seq:     l.seq,
	}
	seq := entry.seq
	entry.timer = time.AfterFunc(grace, func() {
		l.expire(token, seq)
	})
	l.pending[token] = entry

	l.logger.Debug("disconnect grace armed",
		"reason", reason,
		"grace", grace)
}

// graceFor chooses the grace window by reason.
func (l *Lifecycle) graceFor(reason string) time.Duration {
	switch reason {
	case ReasonIntentional:
		return l.config.GraceIntentional
	case ReasonPingTimeout, ReasonTransportError:
		return l.config.GraceTransient
	default:
		return l.config.GraceDefault
	}
}

// expire runs when a grace timer fires. It re-verifies it is still the
// scheduled timer before acting; a concurrent Connect/Disconnect pair may
// have replaced it.
func (l *Lifecycle) expire(token string, seq uint64) {
	l.mu.Lock()
	entry, ok := l.pending[token]
	if !ok || entry.seq != seq {
		l.mu.Unlock()
		return
	}
	delete(l.pending, token)
	reason := entry.reason
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := l.locks.WithLock(ctx, token, func(ctx context.Context) error {
		// The tab-switch variant keeps the session for a later return.
		if reason == ReasonIntentional {
			return nil
		}
		if err := l.store.Delete(ctx, token); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		l.logger.Error("grace expiry cleanup failed", "error", err)
		if l.reporter != nil {
			l.reporter.Capture(err, map[string]any{"op": "grace_expiry"})
		}
		return
	}

	l.logger.Info("disconnect grace expired",
		"reason", reason,
		"session_deleted", reason != ReasonIntentional)
}

// IntentionalDisconnect handles the client-originated AFK signal: broadcast
// an AFK presence event with the estimated return time to the identity's
// rooms, then force the transport closed. The close triggers the ordinary
// disconnect transition with the extended grace window.
func (l *Lifecycle) IntentionalDisconnect(ctx context.Context, conn *Conn, estimatedReturn int64) {
	token := conn.Token()
	if token == "" {
		conn.Close()
		return
	}

	session, err := l.store.Get(ctx, token)
	if err == nil {
		payload := map[string]any{"user": session.UserID}
		if estimatedReturn > 0 {
			payload["estimatedReturn"] = estimatedReturn
		}
		for _, room := range session.Rooms {
			l.registry.BroadcastExceptToken(room, protocol.EventUserAFK, payload, token)
		}
	} else if !errors.Is(err, ErrSessionNotFound) {
		l.logger.Error("session load on afk failed", "error", err)
	}

	conn.markIntentional()
	conn.Close()
}

// PendingCount returns the number of armed grace timers, for stats.
func (l *Lifecycle) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
