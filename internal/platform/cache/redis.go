package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}

// JSONCache stores JSON-encoded values with a fixed TTL. A nil JSONCache is a
// no-op so callers do not need to guard every access.
type JSONCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewJSONCache wraps a redis client.
func NewJSONCache(client *redis.Client, ttl time.Duration) *JSONCache {
	if client == nil {
		return nil
	}
	return &JSONCache{client: client, ttl: ttl}
}

// Get loads a cached value into target, returning false on miss or decode error.
func (c *JSONCache) Get(ctx context.Context, key string, target any) bool {
	if c == nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, target) == nil
}

// Set stores a value, ignoring marshal or transport errors.
func (c *JSONCache) Set(ctx context.Context, key string, value any) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Invalidate removes a key.
func (c *JSONCache) Invalidate(ctx context.Context, key string) {
	if c == nil {
		return
	}
	_ = c.client.Del(ctx, key).Err()
}
