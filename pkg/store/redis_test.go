package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/pkg/server"
)

// fakeRedis implements RedisClient over a map. TTLs are recorded but not
// enforced; expiry behavior belongs to Redis itself.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(data), nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value.([]byte)...)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			delete(f.ttls, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisRoundTrip(t *testing.T) {
	fake := newFakeRedis()
	r := NewRedis(fake)
	ctx := context.Background()

	session := &server.Session{
		UserID:   "u1",
		Rooms:    []string{"lobby"},
		Language: "de",
	}
	require.NoError(t, r.Set(ctx, "tok", session, time.Hour))

	got, err := r.Get(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, []string{"lobby"}, got.Rooms)
	assert.Equal(t, "de", got.Language)
	assert.Equal(t, time.Hour, fake.ttls["relay:session:tok"])
}

func TestRedisGetMissing(t *testing.T) {
	r := NewRedis(newFakeRedis())
	_, err := r.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, server.ErrSessionNotFound)
}

func TestRedisDelete(t *testing.T) {
	fake := newFakeRedis()
	r := NewRedis(fake)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "tok", &server.Session{UserID: "u1"}, time.Hour))
	require.NoError(t, r.Delete(ctx, "tok"))

	_, err := r.Get(ctx, "tok")
	assert.ErrorIs(t, err, server.ErrSessionNotFound)
	assert.NoError(t, r.Delete(ctx, "tok"))
}

func TestRedisSetRooms(t *testing.T) {
	fake := newFakeRedis()
	r := NewRedis(fake)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "tok", &server.Session{UserID: "u1"}, time.Hour))
	require.NoError(t, r.SetRooms(ctx, "tok", []string{"alpha"}, 2*time.Hour))

	got, err := r.Get(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, got.Rooms)
	// The rewrite refreshed the TTL.
	assert.Equal(t, 2*time.Hour, fake.ttls["relay:session:tok"])

	err = r.SetRooms(ctx, "ghost", []string{"alpha"}, time.Hour)
	assert.ErrorIs(t, err, server.ErrSessionNotFound)
}

func TestRedisKeyPrefix(t *testing.T) {
	fake := newFakeRedis()
	r := NewRedis(fake, WithPrefix("custom:"))

	require.NoError(t, r.Set(context.Background(), "tok", &server.Session{UserID: "u1"}, time.Hour))
	_, ok := fake.data["custom:tok"]
	assert.True(t, ok, "session not stored under custom prefix")
}
