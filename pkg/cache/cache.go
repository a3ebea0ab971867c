package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent.
var ErrMiss = errors.New("cache miss")

// Cache is the optional key-value side store for session state and
// snapshot material. Loss of the cache is tolerated everywhere: every
// caller falls back to the repository and rebuilds lazily.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Open connects to the cache named by dsn. An empty dsn disables
// caching and returns nil.
func Open(dsn string) (Cache, error) {
	if dsn == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		// Accept bare host:port as well.
		opts = &redis.Options{Addr: dsn}
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// RedisCache implements Cache on go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client (used by tests with
// miniredis).
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return val, err
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
