// Package cache implements an exact-match response cache keyed on the
// assembled prompt.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseCache wraps a Redis client for storing and retrieving generated
// responses. Identical prompts within the TTL are served without touching
// the backend.
type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Redis-backed response cache.
func New(addr, password string, db int, ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

// Key generates the deterministic cache key for an assembled prompt.
func Key(prompt string) string {
	hash := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("llm_response:%x", hash[:16])
}

// Get retrieves a cached response by key.
// Returns the response and true if found, or zero value and false if not.
func (c *ResponseCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("response_cache: get: %w", err)
	}
	return val, true, nil
}

// Set stores a response in the cache with the configured TTL.
func (c *ResponseCache) Set(ctx context.Context, key, response string) error {
	if err := c.client.Set(ctx, key, response, c.ttl).Err(); err != nil {
		return fmt.Errorf("response_cache: set: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *ResponseCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *ResponseCache) Close() error {
	return c.client.Close()
}
