// Package cache provides the shared key-value store used for sticky
// sessions, per-provider failure counters, per-key QPS buckets, and cached
// routing config. Values are opaque UTF-8 bytes; callers own serialization.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the KeyedCache contract. Implementations must make Incr/Expire
// atomic so that multiple gateway processes can share failure counters and
// per-key QPS buckets without double-counting.
type Cache interface {
	// Get returns the raw bytes stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. It is not an error if key does not exist.
	Delete(ctx context.Context, key string) error
	// Incr atomically increments the integer stored at key (treating a
	// missing key as 0) and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets (or resets) the TTL on an existing key. It is a no-op if
	// the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// GetInt is a convenience wrapper returning 0 when the key is absent or
	// not a valid integer; used for reading failure counters.
	GetInt(ctx context.Context, key string) (int64, error)
}

// Key schema constants, shared by every component that touches the cache
// directly (KeyPool, CandidateRetryEngine, SessionStore).
const (
	sessionKeyPrefix  = "routing:session:"
	failureKeyPrefix  = "provider:failure:"
	qpsKeyPrefixFmt   = "provider:%s:key:%s:qps:%d"
)

// SessionKey returns the cache key for a conversation's sticky session.
func SessionKey(conversationID string) string {
	return sessionKeyPrefix + conversationID
}

// FailureKey returns the cache key for a provider's rolling failure counter.
func FailureKey(providerID string) string {
	return failureKeyPrefix + providerID
}

// QPSKey returns the cache key for a per-key, per-second QPS bucket.
func QPSKey(providerID, label string, unixSecond int64) string {
	return fmt.Sprintf(qpsKeyPrefixFmt, providerID, label, unixSecond)
}

