package server

import (
	"context"
	"testing"
	"time"
)

func newTestLifecycle(t *testing.T, store *memStore) (*Lifecycle, *ConnRegistry) {
	t.Helper()
	reg := NewConnRegistry(testLogger())
	l := NewLifecycle(reg, store, NewKeyLock(), testConfig(), nil, testLogger())
	return l, reg
}

func seedSession(store *memStore, token string, rooms ...string) {
	store.Set(context.Background(), token, &Session{UserID: "u-" + token, Rooms: rooms}, time.Hour)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestLifecycleGraceExpiryDeletesSession(t *testing.T) {
	store := newMemStore()
	seedSession(store, "tok")
	l, _ := newTestLifecycle(t, store)

	l.Connect(context.Background(), "tok")
	l.Disconnect("tok", ReasonTransportClose)

	if got := l.State("tok"); got != PresencePendingDisconnect {
		t.Fatalf("state after disconnect = %v, want pending", got)
	}
	waitFor(t, time.Second, func() bool { return !store.has("tok") })
	if got := l.State("tok"); got != PresenceGone {
		t.Errorf("state after expiry = %v, want gone", got)
	}
}

func TestLifecycleReconnectWithinGrace(t *testing.T) {
	store := newMemStore()
	seedSession(store, "tok")
	l, _ := newTestLifecycle(t, store)

	l.Connect(context.Background(), "tok")
	l.Disconnect("tok", ReasonPingTimeout)
	l.Connect(context.Background(), "tok")

	if got := l.State("tok"); got != PresenceActive {
		t.Fatalf("state after reconnect = %v, want active", got)
	}

	// Wait past the transient grace window; the cancelled timer must not fire.
	time.Sleep(3 * testConfig().GraceTransient)
	if !store.has("tok") {
		t.Error("session deleted despite reconnect within grace")
	}
}

func TestLifecycleIntentionalExpiryKeepsSession(t *testing.T) {
	store := newMemStore()
	seedSession(store, "tok")
	l, _ := newTestLifecycle(t, store)

	l.Connect(context.Background(), "tok")
	l.Disconnect("tok", ReasonIntentional)

	waitFor(t, time.Second, func() bool { return l.PendingCount() == 0 })
	if !store.has("tok") {
		t.Error("intentional disconnect expiry deleted the session")
	}
}

func TestLifecycleIgnoredReason(t *testing.T) {
	store := newMemStore()
	seedSession(store, "tok")
	l, _ := newTestLifecycle(t, store)

	l.Connect(context.Background(), "tok")
	l.Disconnect("tok", ReasonServerShutdown)

	if got := l.PendingCount(); got != 0 {
		t.Errorf("pending timers after ignored reason = %d, want 0", got)
	}
	if !store.has("tok") {
		t.Error("session deleted on ignored reason")
	}
}

func TestLifecycleMultipleConnections(t *testing.T) {
	store := newMemStore()
	seedSession(store, "tok")
	l, _ := newTestLifecycle(t, store)

	l.Connect(context.Background(), "tok")
	l.Connect(context.Background(), "tok")
	l.Disconnect("tok", ReasonTransportClose)

	// One of two connections dropped: still active, no timer.
	if got := l.State("tok"); got != PresenceActive {
		t.Errorf("state = %v, want active while another connection lives", got)
	}
	if got := l.PendingCount(); got != 0 {
		t.Errorf("pending timers = %d, want 0", got)
	}
}

func TestLifecycleReconnectBroadcastsUserBack(t *testing.T) {
	store := newMemStore()
	seedSession(store, "tok", "lobby")
	l, reg := newTestLifecycle(t, store)

	member := newTestConn(nil)
	member.setToken("tok-member")
	reg.Add(member)
	reg.Join(member, "lobby")

	own := newTestConn(nil)
	own.setToken("tok")
	reg.Add(own)
	reg.Join(own, "lobby")

	l.Connect(context.Background(), "tok")

	msg := recvEvent(t, member)
	if msg["event"] != "userBack" {
		t.Errorf("event = %v, want userBack", msg["event"])
	}
	if msg["user"] != "u-tok" {
		t.Errorf("user = %v, want u-tok", msg["user"])
	}
	// The returning identity's own connections are excluded.
	expectNoEvent(t, own)
}

func TestLifecycleAnonymousDisconnectIsNoop(t *testing.T) {
	store := newMemStore()
	l, _ := newTestLifecycle(t, store)

	l.Disconnect("", ReasonTransportClose)
	if got := l.PendingCount(); got != 0 {
		t.Errorf("pending timers for anonymous = %d, want 0", got)
	}
}
