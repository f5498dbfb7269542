package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/pkg/server"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(time.Hour)
	t.Cleanup(m.Close)
	return m
}

func TestMemoryRoundTrip(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	session := &server.Session{
		UserID:  "u1",
		Rooms:   []string{"lobby"},
		Profile: map[string]any{"role": "admin"},
	}
	require.NoError(t, m.Set(ctx, "tok", session, time.Hour))

	got, err := m.Get(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, []string{"lobby"}, got.Rooms)
	assert.Equal(t, "admin", got.Profile["role"])
}

func TestMemoryGetMissing(t *testing.T) {
	m := newTestMemory(t)
	_, err := m.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, server.ErrSessionNotFound)
}

func TestMemoryExpiry(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	current := time.Unix(1000, 0)
	m.now = func() time.Time { return current }

	require.NoError(t, m.Set(ctx, "tok", &server.Session{UserID: "u1"}, time.Minute))

	current = current.Add(2 * time.Minute)
	_, err := m.Get(ctx, "tok")
	assert.ErrorIs(t, err, server.ErrSessionNotFound)

	// The janitor eventually drops the entry too.
	m.evictExpired()
	assert.Zero(t, m.Len())
}

func TestMemoryDelete(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "tok", &server.Session{UserID: "u1"}, time.Hour))
	require.NoError(t, m.Delete(ctx, "tok"))

	_, err := m.Get(ctx, "tok")
	assert.ErrorIs(t, err, server.ErrSessionNotFound)

	// Deleting a missing session is not an error.
	assert.NoError(t, m.Delete(ctx, "tok"))
}

func TestMemorySetRooms(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "tok", &server.Session{UserID: "u1"}, time.Hour))
	require.NoError(t, m.SetRooms(ctx, "tok", []string{"alpha", "beta"}, time.Hour))

	got, err := m.Get(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, got.Rooms)

	err = m.SetRooms(ctx, "ghost", []string{"alpha"}, time.Hour)
	assert.ErrorIs(t, err, server.ErrSessionNotFound)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "tok", &server.Session{
		UserID: "u1",
		Rooms:  []string{"lobby"},
	}, time.Hour))

	first, err := m.Get(ctx, "tok")
	require.NoError(t, err)
	first.Rooms[0] = "mutated"
	first.UserID = "mutated"

	second, err := m.Get(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", second.UserID)
	assert.Equal(t, []string{"lobby"}, second.Rooms)
}
