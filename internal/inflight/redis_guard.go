// Package inflight marks records that have background work running so that
// replicas sharing a Redis instance do not start a second task for them.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

// release deletes the key only while it still holds our token, so an expired
// lease picked up by another replica is left alone.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refresh pushes the expiry out only while the key still holds our token.
var refresh = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var ErrNotHeld = errors.New("inflight lease not held")

// RedisGuard hands out per-record leases stored under "inflight:<id>".
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisGuard connects to redisURL and checks the connection.
func NewRedisGuard(redisURL string, ttl time.Duration) (*RedisGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisGuardWithClient(client, ttl), nil
}

func NewRedisGuardWithClient(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisGuard{client: client, prefix: "inflight:", ttl: ttl}
}

func (g *RedisGuard) key(id string) string {
	return g.prefix + id
}

// Acquire takes the lease for id. ok is false when another holder has it.
func (g *RedisGuard) Acquire(ctx context.Context, id string) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = g.client.SetNX(ctx, g.key(id), token, g.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire inflight lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release gives the lease back. ErrNotHeld means it expired or was taken over.
func (g *RedisGuard) Release(ctx context.Context, id, token string) error {
	deleted, err := release.Run(ctx, g.client, []string{g.key(id)}, token).Int()
	if err != nil {
		return fmt.Errorf("release inflight lease: %w", err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}

// Refresh restarts the lease's TTL. ErrNotHeld means it already expired or
// was taken over.
func (g *RedisGuard) Refresh(ctx context.Context, id, token string) error {
	extended, err := refresh.Run(ctx, g.client, []string{g.key(id)}, token, g.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh inflight lease: %w", err)
	}
	if extended == 0 {
		return ErrNotHeld
	}
	return nil
}

// TTL is how long a lease lives without a refresh.
func (g *RedisGuard) TTL() time.Duration {
	return g.ttl
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
