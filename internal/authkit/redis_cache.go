package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var errEmptyRedisURL = errors.New("cache.redis.empty_url")

// RedisCacheBackend stores cache entries in Redis with native key expiry.
type RedisCacheBackend struct {
	client *redis.Client
}

// NewRedisCacheBackend wraps an existing client.
func NewRedisCacheBackend(client *redis.Client) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

// OpenRedisCacheBackend parses a redis:// URL and verifies connectivity.
func OpenRedisCacheBackend(ctx context.Context, redisURL string) (*RedisCacheBackend, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("cache.redis.open: %w", errEmptyRedisURL)
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache.redis.parse_url: %w", err)
	}
	options.DialTimeout = 5 * time.Second
	options.ReadTimeout = 2 * time.Second
	options.WriteTimeout = 2 * time.Second
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache.redis.ping: %w", pingErr)
	}
	return &RedisCacheBackend{client: client}, nil
}

// Get reads key. redis.Nil is reported as a miss, not an error.
func (backend *RedisCacheBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := backend.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache.redis.get: %w", err)
	}
	return data, true, nil
}

// Set writes value under key; Redis expires it after ttl.
func (backend *RedisCacheBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return backend.Delete(ctx, key)
	}
	if err := backend.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache.redis.set: %w", err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (backend *RedisCacheBackend) Delete(ctx context.Context, key string) error {
	if err := backend.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache.redis.delete: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (backend *RedisCacheBackend) Close() error {
	return backend.client.Close()
}

// Client exposes the connection pool so other Redis-backed stores can share it.
func (backend *RedisCacheBackend) Client() *redis.Client {
	return backend.client
}
