package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory SessionStore for tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	failing  bool
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*Session)}
}

func (m *memStore) Get(ctx context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, context.DeadlineExceeded
	}
	session, ok := m.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *memStore) Set(ctx context.Context, token string, session *Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *session
	m.sessions[token] = &clone
	return nil
}

func (m *memStore) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *memStore) SetRooms(ctx context.Context, token string, rooms []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[token]
	if !ok {
		return ErrSessionNotFound
	}
	session.Rooms = append([]string(nil), rooms...)
	return nil
}

func (m *memStore) has(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[token]
	return ok
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimitEnabled = false
	cfg.GraceIntentional = 200 * time.Millisecond
	cfg.GraceTransient = 50 * time.Millisecond
	cfg.GraceDefault = 20 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, store SessionStore, routes *Registry, cfg *Config) *Server {
	t.Helper()
	if store == nil {
		store = newMemStore()
	}
	if cfg == nil {
		cfg = testConfig()
	}
	s, err := New(Options{
		Config: cfg,
		Store:  store,
		Routes: routes,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// newTestConn creates a connection without a transport. Emitted messages
// accumulate on the send queue; nothing drains them.
func newTestConn(cfg *Config) *Conn {
	if cfg == nil {
		cfg = testConfig()
	}
	return newConn(nil, "203.0.113.7", cfg, testLogger())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recvEvent pops the next queued outbound message and decodes it.
func recvEvent(t *testing.T, conn *Conn) map[string]any {
	t.Helper()
	select {
	case msg := <-conn.send:
		var decoded map[string]any
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("decode outbound message: %v", err)
		}
		return decoded
	case <-time.After(time.Second):
		t.Fatal("no outbound message queued")
		return nil
	}
}

// expectNoEvent asserts the send queue is empty.
func expectNoEvent(t *testing.T, conn *Conn) {
	t.Helper()
	select {
	case msg := <-conn.send:
		t.Fatalf("unexpected outbound message: %s", msg)
	default:
	}
}
