package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeaderIdempotencyKey carries the client's key for a mutation.
const HeaderIdempotencyKey = "Idempotency-Key"

// Deduper records idempotency keys so a retried mutation is applied once.
type Deduper interface {
	Add(ctx context.Context, userID, key string) (bool, error)
	Remove(ctx context.Context, userID, key string) error
}

// RedisDeduper stores processed idempotency keys in Redis so all instances
// see the same keys.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return "idem:" + userID + ":" + key
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), 1, r.ttl).Result()
}

// Remove forgets a key after the mutation failed so the caller may retry it.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
