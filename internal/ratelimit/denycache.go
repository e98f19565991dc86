package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DenyCache remembers keys known to be over their limit until their window
// ends. It is advisory: a hit may only short-circuit a denial, and a miss
// always falls through to the counter store.
type DenyCache interface {
	Blocked(ctx context.Context, key string, now time.Time) (time.Time, bool)
	Block(ctx context.Context, key string, until, now time.Time)
	Forget(ctx context.Context, key string)
}

const defaultDenyCacheEntries = 100_000

// MemoryDenyCache is a process-local DenyCache.
type MemoryDenyCache struct {
	mu         sync.Mutex
	until      map[string]time.Time
	maxEntries int
}

func NewMemoryDenyCache(maxEntries int) *MemoryDenyCache {
	if maxEntries <= 0 {
		maxEntries = defaultDenyCacheEntries
	}
	return &MemoryDenyCache{until: make(map[string]time.Time), maxEntries: maxEntries}
}

func (c *MemoryDenyCache) Blocked(_ context.Context, key string, now time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.until[key]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(until) {
		delete(c.until, key)
		return time.Time{}, false
	}
	return until, true
}

func (c *MemoryDenyCache) Block(_ context.Context, key string, until, _ time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.until[key]; !ok && len(c.until) >= c.maxEntries {
		// Full: skip remembering rather than evict. The store still denies.
		return
	}
	c.until[key] = until
}

func (c *MemoryDenyCache) Forget(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.until, key)
	c.mu.Unlock()
}

// Sweep drops entries whose window has ended.
func (c *MemoryDenyCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, until := range c.until {
		if !now.Before(until) {
			delete(c.until, k)
			n++
		}
	}
	return n
}

// RedisDenyCache shares denials between instances. Entries carry only a TTL,
// so instances with skewed clocks agree on when a denial ends. Errors are
// treated as misses.
type RedisDenyCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDenyCache(client redis.UniversalClient, prefix string) *RedisDenyCache {
	return &RedisDenyCache{client: client, prefix: prefix}
}

func (c *RedisDenyCache) Blocked(ctx context.Context, key string, now time.Time) (time.Time, bool) {
	ttl, err := c.client.PTTL(ctx, c.prefix+key).Result()
	if err != nil || ttl <= 0 {
		return time.Time{}, false
	}
	return now.Add(ttl), true
}

func (c *RedisDenyCache) Block(ctx context.Context, key string, until, now time.Time) {
	ttl := until.Sub(now)
	if ttl <= 0 {
		return
	}
	_ = c.client.Set(ctx, c.prefix+key, "1", ttl).Err()
}

func (c *RedisDenyCache) Forget(ctx context.Context, key string) {
	_ = c.client.Del(ctx, c.prefix+key).Err()
}
