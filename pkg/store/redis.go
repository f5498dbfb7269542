package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relay/pkg/server"
)

// RedisClient is the subset of go-redis used by the store. *redis.Client and
// *redis.ClusterClient both satisfy it; tests substitute a fake.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a Redis-backed SessionStore for multi-node deployments. Sessions
// are stored as JSON under a prefixed key with the TTL enforced by Redis.
//
// SetRooms is read-modify-write without a server-side transaction: callers
// must serialize per-token mutations through the server's KeyLock, which the
// dispatch paths already do.
type Redis struct {
	client RedisClient
	prefix string
}

// RedisOption configures the store.
type RedisOption func(*Redis)

// WithPrefix overrides the default "relay:session:" key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis creates a Redis-backed store.
func NewRedis(client RedisClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "relay:session:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(token string) string {
	return r.prefix + token
}

// Get implements server.SessionStore.
func (r *Redis) Get(ctx context.Context, token string) (*server.Session, error) {
	data, err := r.client.Get(ctx, r.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, server.ErrSessionNotFound
		}
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	var session server.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("store: decode session: %w", err)
	}
	return &session, nil
}

// Set implements server.SessionStore.
func (r *Redis) Set(ctx context.Context, token string, session *server.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return nil
}

// Delete implements server.SessionStore.
func (r *Redis) Delete(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.key(token)).Err(); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// SetRooms implements server.SessionStore.
func (r *Redis) SetRooms(ctx context.Context, token string, rooms []string, ttl time.Duration) error {
	session, err := r.Get(ctx, token)
	if err != nil {
		return err
	}
	session.Rooms = append([]string(nil), rooms...)
	return r.Set(ctx, token, session, ttl)
}
