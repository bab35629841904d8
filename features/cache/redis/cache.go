// Package redis provides a Redis-backed cache.Cache so memoized tool results
// are shared by every runtime replica serving a session. Entries are stored as
// JSON strings and expire through the Redis key TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/stepflow/runtime/agent/cache"
	"goa.design/stepflow/runtime/agent/tools"
)

type (
	// Client is the subset of the go-redis API used by the cache.
	// *redis.Client and *redis.ClusterClient satisfy it.
	Client interface {
		Get(ctx context.Context, key string) *redis.StringCmd
		Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
		Ping(ctx context.Context) *redis.StatusCmd
	}

	// Options configures the Redis cache.
	Options struct {
		// Client is the Redis connection. Required.
		Client Client
		// TTL is the entry lifetime. Defaults to cache.DefaultTTL; a negative
		// value stores entries without expiry.
		TTL time.Duration
		// Prefix is prepended to every key.
		Prefix string
	}

	// Cache implements cache.Cache on Redis.
	Cache struct {
		rdb    Client
		ttl    time.Duration
		prefix string
	}
)

// New returns a Redis cache.
func New(opts Options) (*Cache, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	switch {
	case ttl == 0:
		ttl = cache.DefaultTTL
	case ttl < 0:
		ttl = 0
	}
	return &Cache{rdb: opts.Client, ttl: ttl, prefix: opts.Prefix}, nil
}

// Name returns the cache name for health reporting.
func (c *Cache) Name() string {
	return "cache-redis"
}

// Ping checks connectivity to Redis.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get implements cache.Cache.
func (c *Cache) Get(ctx context.Context, key string) (*tools.Result, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached result: %w", err)
	}
	var res tools.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, true, nil
}

// Set implements cache.Cache.
func (c *Cache) Set(ctx context.Context, key string, res *tools.Result) error {
	if res == nil {
		return nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode cached result: %w", err)
	}
	if err := c.rdb.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached result: %w", err)
	}
	return nil
}

var _ cache.Cache = (*Cache)(nil)
