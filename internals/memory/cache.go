package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultCacheTTL = 300 * time.Second

type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

type cacheEntry struct {
	entries []Entry
	expires time.Time
}

// CachedStore caches ListAll results per session. Writes made through it
// invalidate the affected session, so callers never see their own writes
// missing.
type CachedStore struct {
	Store
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	gen   map[string]uint64 // bumped on every invalidation

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCachedStore(s Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{Store: s, ttl: ttl, now: time.Now, cache: make(map[string]cacheEntry), gen: make(map[string]uint64)}
}

func (c *CachedStore) ListAll(ctx context.Context, session string) ([]Entry, error) {
	c.mu.Lock()
	ce, ok := c.cache[session]
	if ok && c.now().Before(ce.expires) {
		c.mu.Unlock()
		c.hits.Add(1)
		return clone(ce.entries), nil
	}
	gen := c.gen[session]
	c.mu.Unlock()
	c.misses.Add(1)

	entries, err := c.Store.ListAll(ctx, session)
	if err != nil {
		return nil, err
	}

	// A write that landed while we were reading makes this result stale.
	c.mu.Lock()
	if c.gen[session] == gen {
		c.cache[session] = cacheEntry{entries: clone(entries), expires: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	return entries, nil
}

func (c *CachedStore) Add(ctx context.Context, session, text string, importance float64, metadata map[string]any) (Entry, error) {
	defer c.Invalidate(session)
	return c.Store.Add(ctx, session, text, importance, metadata)
}

func (c *CachedStore) Update(ctx context.Context, id, session, text string, importance float64, metadata map[string]any) (Entry, error) {
	defer c.Invalidate(session)
	return c.Store.Update(ctx, id, session, text, importance, metadata)
}

func (c *CachedStore) Delete(ctx context.Context, id, session string) error {
	defer c.Invalidate(session)
	return c.Store.Delete(ctx, id, session)
}

func (c *CachedStore) DeleteAll(ctx context.Context, session string) (int, error) {
	defer c.Invalidate(session)
	return c.Store.DeleteAll(ctx, session)
}

func (c *CachedStore) Invalidate(session string) {
	c.mu.Lock()
	delete(c.cache, session)
	c.gen[session]++
	c.mu.Unlock()
}

func (c *CachedStore) Stats() CacheStats {
	c.mu.Lock()
	n := len(c.cache)
	c.mu.Unlock()
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: n}
}

func clone(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
