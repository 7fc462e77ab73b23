package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"order-stream/internal/consts"
)

// RedisDeduper stores processed idempotency keys in Redis so all
// instances can recognize a retried mutation.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(orderID, key string) string {
	return fmt.Sprintf("%s%s:%s", consts.DedupeKeyPrefix, orderID, key)
}

// Add records the key if it does not already exist. It returns true
// when the key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, orderID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(orderID, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key. It is used when downstream
// processing fails so the caller may retry the mutation.
func (r *RedisDeduper) Remove(ctx context.Context, orderID, key string) error {
	return r.client.Del(ctx, r.key(orderID, key)).Err()
}
