package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memEntry holds one cached value with an optional expiry.
type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCache is an in-process KeyedCache for single-process deployments and
// tests. It offers the same atomic Incr/Expire semantics as RedisCache within
// one process, but does not coordinate across processes.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	nowFunc func() time.Time
	stop    chan struct{}
}

// NewMemoryCache creates an in-memory cache with a background pruning
// goroutine that sweeps expired entries every interval.
func NewMemoryCache(pruneInterval time.Duration) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]*memEntry),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	if pruneInterval > 0 {
		go c.pruneLoop(pruneInterval)
	}
	return c
}

// Stop terminates the background pruning goroutine.
func (c *MemoryCache) Stop() {
	close(c.stop)
}

func (c *MemoryCache) pruneLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.nowFunc()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.nowFunc().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	if e, ok := c.entries[key]; ok && !e.expired(c.nowFunc()) {
		n, _ = strconv.ParseInt(string(e.value), 10, 64)
	}
	n++

	e, ok := c.entries[key]
	if !ok || e.expired(c.nowFunc()) {
		e = &memEntry{}
		c.entries[key] = e
	}
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (c *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if ttl <= 0 {
		e.expiresAt = time.Time{}
		return nil
	}
	e.expiresAt = c.nowFunc().Add(ttl)
	return nil
}

func (c *MemoryCache) GetInt(ctx context.Context, key string) (int64, error) {
	raw, err := c.Get(ctx, key)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
