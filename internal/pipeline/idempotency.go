package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyCache remembers recently-flushed batch fingerprints so a
// replayed batch short-circuits instead of rewriting.
type IdempotencyCache interface {
	Seen(ctx context.Context, fingerprint string) bool
	Mark(ctx context.Context, fingerprint string, ttl time.Duration)
}

// memoryIdempotency is the default in-process cache. Expired entries are
// swept lazily on lookup.
type memoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (c *memoryIdempotency) Seen(_ context.Context, fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.entries[fingerprint]
	if !ok {
		return false
	}
	if c.now().After(expiry) {
		delete(c.entries, fingerprint)
		return false
	}
	return true
}

func (c *memoryIdempotency) Mark(_ context.Context, fingerprint string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = c.now().Add(ttl)

	// Opportunistic sweep keeps the map bounded between lookups.
	if len(c.entries) > 4096 {
		now := c.now()
		for k, v := range c.entries {
			if now.After(v) {
				delete(c.entries, k)
			}
		}
	}
}

// redisIdempotency shares the fingerprint set across processes. Failures
// degrade to "not seen": a Redis outage costs duplicate writes, which the
// stores absorb, never lost ones.
type redisIdempotency struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotency wires the shared cache onto an existing client. The
// prefix defaults to "codegraph:batch".
func NewRedisIdempotency(client *redis.Client, prefix string) IdempotencyCache {
	return newRedisIdempotency(client, prefix)
}

func newRedisIdempotency(client *redis.Client, prefix string) *redisIdempotency {
	if prefix == "" {
		prefix = "codegraph:batch"
	}
	return &redisIdempotency{client: client, prefix: prefix}
}

func (c *redisIdempotency) key(fingerprint string) string {
	return c.prefix + ":" + fingerprint
}

func (c *redisIdempotency) Seen(ctx context.Context, fingerprint string) bool {
	n, err := c.client.Exists(ctx, c.key(fingerprint)).Result()
	return err == nil && n > 0
}

func (c *redisIdempotency) Mark(ctx context.Context, fingerprint string, ttl time.Duration) {
	c.client.Set(ctx, c.key(fingerprint), 1, ttl)
}
