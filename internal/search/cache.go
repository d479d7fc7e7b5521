package search

import (
	"container/list"
	"sort"
	"strings"
	"sync"
	"time"
)

// resultCache is a TTL-bounded LRU keyed by the canonicalized request.
// Mutators invalidate through Invalidate; expired entries fall out on read.
type resultCache struct {
	mu       sync.Mutex
	items    map[string]*cacheEntry
	lru      *list.List
	maxItems int
	ttl      time.Duration

	hits   int64
	misses int64
	now    func() time.Time
}

type cacheEntry struct {
	key     string
	results []Result
	expiry  time.Time
	element *list.Element
}

func newResultCache(maxItems int, ttl time.Duration) *resultCache {
	if maxItems <= 0 {
		maxItems = 500
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &resultCache{
		items:    make(map[string]*cacheEntry),
		lru:      list.New(),
		maxItems: maxItems,
		ttl:      ttl,
		now:      func() time.Time { return time.Now() },
	}
}

func (c *resultCache) get(key string) ([]Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().After(entry.expiry) {
		c.remove(entry)
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(entry.element)
	c.hits++

	out := make([]Result, len(entry.results))
	copy(out, entry.results)
	return out, true
}

func (c *resultCache) put(key string, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[key]; ok {
		c.remove(existing)
	}
	for len(c.items) >= c.maxItems && c.lru.Len() > 0 {
		oldest := c.lru.Back()
		c.remove(oldest.Value.(*cacheEntry))
	}

	stored := make([]Result, len(results))
	copy(stored, results)
	entry := &cacheEntry{key: key, results: stored, expiry: c.now().Add(c.ttl)}
	entry.element = c.lru.PushFront(entry)
	c.items[key] = entry
}

// invalidate drops every entry whose key satisfies the predicate. A nil
// predicate clears everything.
func (c *resultCache) invalidate(predicate func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []*cacheEntry
	for key, entry := range c.items {
		if predicate == nil || predicate(key) {
			doomed = append(doomed, entry)
		}
	}
	for _, entry := range doomed {
		c.remove(entry)
	}
	return len(doomed)
}

func (c *resultCache) remove(entry *cacheEntry) {
	if entry.element != nil {
		c.lru.Remove(entry.element)
	}
	delete(c.items, entry.key)
}

func (c *resultCache) stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items)
}

// cacheKey canonicalizes a request: sorted key=value pairs so equivalent
// requests share an entry.
func cacheKey(parts map[string]string) string {
	keys := make([]string, 0, len(parts))
	for k, v := range parts {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(parts[k])
	}
	return b.String()
}
