package store

import (
	"context"
	"sync"
	"time"

	"github.com/relaykit/relay/pkg/server"
)

// Memory is an in-process SessionStore with per-entry TTLs and a background
// janitor evicting expired entries. Suitable for single-node deployments;
// sessions do not survive a restart.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	stopOnce sync.Once
	stop     chan struct{}

	now func() time.Time
}

type memoryEntry struct {
	session   *server.Session
	expiresAt time.Time
}

// NewMemory creates a memory store. cleanupInterval bounds how long expired
// entries linger before the janitor evicts them; reads never return expired
// entries regardless.
func NewMemory(cleanupInterval time.Duration) *Memory {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go m.janitor(cleanupInterval)
	return m
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) evictExpired() {
	now := m.now()
	m.mu.Lock()
	for token, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, token)
		}
	}
	m.mu.Unlock()
}

// Get implements server.SessionStore.
func (m *Memory) Get(ctx context.Context, token string) (*server.Session, error) {
	m.mu.RLock()
	e, ok := m.entries[token]
	m.mu.RUnlock()
	if !ok || m.now().After(e.expiresAt) {
		return nil, server.ErrSessionNotFound
	}
	return cloneSession(e.session), nil
}

// Set implements server.SessionStore.
func (m *Memory) Set(ctx context.Context, token string, session *server.Session, ttl time.Duration) error {
	e := &memoryEntry{
		session:   cloneSession(session),
		expiresAt: m.now().Add(ttl),
	}
	m.mu.Lock()
	m.entries[token] = e
	m.mu.Unlock()
	return nil
}

// Delete implements server.SessionStore.
func (m *Memory) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	delete(m.entries, token)
	m.mu.Unlock()
	return nil
}

// SetRooms implements server.SessionStore.
func (m *Memory) SetRooms(ctx context.Context, token string, rooms []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[token]
	if !ok || m.now().After(e.expiresAt) {
		return server.ErrSessionNotFound
	}
	e.session.Rooms = append([]string(nil), rooms...)
	e.expiresAt = m.now().Add(ttl)
	return nil
}

// Len returns the number of stored entries, expired ones included until the
// janitor runs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the janitor. Safe to call more than once.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// cloneSession copies a session deep enough that callers mutating the result
// cannot corrupt the stored state.
func cloneSession(s *server.Session) *server.Session {
	clone := *s
	if s.Rooms != nil {
		clone.Rooms = append([]string(nil), s.Rooms...)
	}
	if s.Profile != nil {
		clone.Profile = make(map[string]any, len(s.Profile))
		for k, v := range s.Profile {
			clone.Profile[k] = v
		}
	}
	if s.Ext != nil {
		clone.Ext = make(map[string]any, len(s.Ext))
		for k, v := range s.Ext {
			clone.Ext[k] = v
		}
	}
	return &clone
}
