package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const scanCount = 100

var errNilClient = errors.New("cache: redis client is nil")

// Cache stores values in Redis. Prefix lookups use SCAN so a large keyspace
// never blocks the server.
type Cache struct {
	client *goredis.Client
}

// New wraps an existing client.
func New(client *goredis.Client) (*Cache, error) {
	if client == nil {
		return nil, errNilClient
	}
	return &Cache{client: client}, nil
}

// Get implements cache.Cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, errNilClient
	}
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set implements cache.Cache.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return errNilClient
	}
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete implements cache.Cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c == nil || c.client == nil {
		return errNilClient
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Scan implements cache.Cache.
func (c *Cache) Scan(ctx context.Context, prefix string) ([]string, error) {
	if c == nil || c.client == nil {
		return nil, errNilClient
	}
	var keys []string
	iter := c.client.Scan(ctx, 0, escapePattern(prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

var patternEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapePattern(prefix string) string {
	return patternEscaper.Replace(prefix)
}
