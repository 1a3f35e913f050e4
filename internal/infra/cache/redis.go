package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements domain.KVCache over Redis. It backs the resolution
// cache's read-through layer in front of internal/store's chat-cache table:
// a miss here falls through to the database, a miss there falls through to
// the platform client itself.
type RedisCache struct {
	client *redis.Client
}

// NewRedis wraps an already-configured redis.Client.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Once runs fn only if key is not already set, using SETNX as a distributed
// lock with a TTL fallback: if fn fails the key is cleared so a later caller
// can retry.
func (c *RedisCache) Once(key string, ttl time.Duration, fn func() error) error {
	ctx := context.Background()
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return err
	}
	return nil
}

// Set stores value under key with the given TTL.
func (c *RedisCache) Set(key string, value []byte, ttl time.Duration) error {
	return c.client.Set(context.Background(), key, value, ttl).Err()
}

// Get returns the bytes stored under key, or redis.Nil wrapped in the
// returned error if absent.
func (c *RedisCache) Get(key string) ([]byte, error) {
	return c.client.Get(context.Background(), key).Bytes()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
