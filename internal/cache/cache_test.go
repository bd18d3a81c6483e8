package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client)
}

func TestCacheImplementations(t *testing.T) {
	ctx := context.Background()
	impls := map[string]Cache{
		"memory": NewMemoryCache(0),
		"redis":  newMiniredisCache(t),
	}

	for name, c := range impls {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Get(ctx, "missing"); err != ErrNotFound {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := c.Set(ctx, "k1", []byte("v1"), 0); err != nil {
				t.Fatalf("set failed: %v", err)
			}
			v, err := c.Get(ctx, "k1")
			if err != nil || string(v) != "v1" {
				t.Fatalf("got %q, %v", v, err)
			}

			n, err := c.Incr(ctx, "counter")
			if err != nil || n != 1 {
				t.Fatalf("first incr = %d, %v, want 1", n, err)
			}
			n, err = c.Incr(ctx, "counter")
			if err != nil || n != 2 {
				t.Fatalf("second incr = %d, %v, want 2", n, err)
			}

			gi, err := c.GetInt(ctx, "counter")
			if err != nil || gi != 2 {
				t.Fatalf("GetInt = %d, %v, want 2", gi, err)
			}
			gi, err = c.GetInt(ctx, "never-set")
			if err != nil || gi != 0 {
				t.Fatalf("GetInt on missing key = %d, %v, want 0", gi, err)
			}

			if err := c.Delete(ctx, "k1"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := c.Get(ctx, "k1"); err != ErrNotFound {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(0)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return fixed }
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("x"), time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := c.Get(ctx, "short"); err != nil {
		t.Fatalf("expected value before expiry, got %v", err)
	}

	c.nowFunc = func() time.Time { return fixed.Add(2 * time.Second) }
	if _, err := c.Get(ctx, "short"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemoryCacheExpireResets(t *testing.T) {
	c := NewMemoryCache(0)
	ctx := context.Background()
	if _, err := c.Incr(ctx, "provider:failure:a"); err != nil {
		t.Fatalf("incr failed: %v", err)
	}
	if err := c.Expire(ctx, "provider:failure:a", 60*time.Second); err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	v, err := c.GetInt(ctx, "provider:failure:a")
	if err != nil || v != 1 {
		t.Fatalf("GetInt = %d, %v, want 1", v, err)
	}
}

func TestKeySchemas(t *testing.T) {
	if got := SessionKey("abc"); got != "routing:session:abc" {
		t.Fatalf("SessionKey = %q", got)
	}
	if got := FailureKey("openai"); got != "provider:failure:openai" {
		t.Fatalf("FailureKey = %q", got)
	}
	if got := QPSKey("openai", "key1-***abcd", 1700000000); got != "provider:openai:key:key1-***abcd:qps:1700000000" {
		t.Fatalf("QPSKey = %q", got)
	}
}
