// Package inmem provides an in-memory implementation of cache.Cache with
// per-entry expiry.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/stepflow/runtime/agent/cache"
	"goa.design/stepflow/runtime/agent/tools"
)

type (
	// Cache is an in-memory cache.Cache. It is safe for concurrent use.
	Cache struct {
		mu      sync.RWMutex
		entries map[string]entry
		ttl     time.Duration
		now     func() time.Time
	}

	// Option configures a Cache.
	Option func(*Cache)

	entry struct {
		res       tools.Result
		expiresAt time.Time
	}
)

// WithTTL sets the entry lifetime. Non-positive values keep entries until
// Clear.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns an empty cache using cache.DefaultTTL unless overridden.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     cache.DefaultTTL,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get implements cache.Cache.
func (c *Cache) Get(_ context.Context, key string) (*tools.Result, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	res := e.res
	return &res, true, nil
}

// Set implements cache.Cache.
func (c *Cache) Set(_ context.Context, key string, res *tools.Result) error {
	if res == nil {
		return nil
	}
	e := entry{res: *res}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}
