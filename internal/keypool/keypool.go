// Package keypool manages per-provider pools of API keys: weighted-random
// selection among available keys, a per-key QPS gate, and exponential
// backoff after upstream failures.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jordanhubbard/llmgateway/internal/cache"
)

// ErrNoAvailableKey is returned when every key for a provider is in backoff
// or rate-limited for this second.
var ErrNoAvailableKey = errors.New("keypool: no available key")

// KeyConfig describes one configured API key for a provider.
type KeyConfig struct {
	Key    string
	Label  string // optional explicit label; masked automatically if empty
	Weight float64
	MaxQPS int // 0 = unlimited
}

// ProviderKeyState tracks the runtime state of one configured key.
type ProviderKeyState struct {
	Key         string
	Label       string
	Weight      float64
	MaxQPS      int
	FailCount   int
	BackoffUntil time.Time
	LastUsedAt  time.Time
}

// SelectedKey is returned by Acquire for the duration of one request.
type SelectedKey struct {
	ProviderID string
	Key        string
	Label      string
	state      *ProviderKeyState
}

// Pool manages key state for every provider it has seen.
type Pool struct {
	cache cache.Cache

	mu        sync.Mutex
	providers map[string]map[string]*ProviderKeyState // providerID -> key -> state
	locks     map[string]*sync.Mutex                  // one lock per provider, serializes Acquire

	nowFunc func() time.Time
	rngFunc func() float64
}

// New creates a key pool backed by the given cache for the cross-process QPS
// gate (see internal/cache's provider:{id}:key:{label}:qps:{unix_second} keys).
func New(c cache.Cache) *Pool {
	return &Pool{
		cache:     c,
		providers: make(map[string]map[string]*ProviderKeyState),
		locks:     make(map[string]*sync.Mutex),
		nowFunc:   time.Now,
		rngFunc:   rand.Float64,
	}
}

// maskLabel mirrors the "key{idx+1}-***{last4}" convention used elsewhere in
// this codebase for displaying secrets without exposing them.
func maskLabel(rawKey, explicit string, idx int) string {
	if explicit != "" {
		return explicit
	}
	tail := "xxxx"
	if len(rawKey) >= 4 {
		tail = rawKey[len(rawKey)-4:]
	}
	return fmt.Sprintf("key%d-***%s", idx+1, tail)
}

func (p *Pool) lockFor(providerID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[providerID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[providerID] = l
	}
	return l
}

// ensureStates reconciles the in-memory state table against the provider's
// current key config: new keys are added, keys no longer present are
// dropped, and existing keys keep their accumulated failure/backoff state.
// Caller must hold the provider lock.
func (p *Pool) ensureStates(providerID string, keys []KeyConfig) ([]*ProviderKeyState, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keypool: provider %s has no configured keys", providerID)
	}

	p.mu.Lock()
	pool, ok := p.providers[providerID]
	if !ok {
		pool = make(map[string]*ProviderKeyState)
		p.providers[providerID] = pool
	}
	p.mu.Unlock()

	valid := make(map[string]struct{}, len(keys))
	for idx, kc := range keys {
		label := maskLabel(kc.Key, kc.Label, idx)
		valid[kc.Key] = struct{}{}
		if s, exists := pool[kc.Key]; exists {
			s.Label = label
			s.Weight = kc.Weight
			s.MaxQPS = kc.MaxQPS
		} else {
			pool[kc.Key] = &ProviderKeyState{
				Key:    kc.Key,
				Label:  label,
				Weight: kc.Weight,
				MaxQPS: kc.MaxQPS,
			}
		}
	}
	for k := range pool {
		if _, ok := valid[k]; !ok {
			delete(pool, k)
		}
	}

	// Return states in configured key order so a given random draw always
	// selects the same key.
	states := make([]*ProviderKeyState, 0, len(pool))
	for _, kc := range keys {
		if _, ok := valid[kc.Key]; ok {
			states = append(states, pool[kc.Key])
			delete(valid, kc.Key)
		}
	}
	return states, nil
}

// reserveQPS reports whether this key may be used for the current second,
// atomically incrementing the cross-process per-second counter.
func (p *Pool) reserveQPS(ctx context.Context, providerID string, s *ProviderKeyState) bool {
	if s.MaxQPS <= 0 || p.cache == nil {
		return true
	}
	k := cache.QPSKey(providerID, s.Label, p.nowFunc().Unix())
	count, err := p.cache.Incr(ctx, k)
	if err != nil {
		// Cache unavailable: fail open rather than blocking every request.
		return true
	}
	if count == 1 {
		_ = p.cache.Expire(ctx, k, time.Second)
	}
	if count > int64(s.MaxQPS) {
		return false
	}
	return true
}

// Acquire selects an available key for a provider using weighted-random
// selection among keys that are not in backoff, skipping any that exceed
// their per-key QPS allowance for the current second.
func (p *Pool) Acquire(ctx context.Context, providerID string, keys []KeyConfig) (SelectedKey, error) {
	lock := p.lockFor(providerID)
	lock.Lock()
	defer lock.Unlock()

	states, err := p.ensureStates(providerID, keys)
	if err != nil {
		return SelectedKey{}, err
	}

	now := p.nowFunc()
	candidates := make([]*ProviderKeyState, 0, len(states))
	for _, s := range states {
		if s.BackoffUntil.IsZero() || !s.BackoffUntil.After(now) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return SelectedKey{}, fmt.Errorf("%w: provider %s (all in backoff)", ErrNoAvailableKey, providerID)
	}

	working := candidates
	for len(working) > 0 {
		s := p.weightedChoice(working)

		if !p.reserveQPS(ctx, providerID, s) {
			working = removeState(working, s)
			continue
		}

		s.LastUsedAt = now
		return SelectedKey{ProviderID: providerID, Key: s.Key, Label: s.Label, state: s}, nil
	}

	return SelectedKey{}, fmt.Errorf("%w: provider %s (rate limited)", ErrNoAvailableKey, providerID)
}

func (p *Pool) weightedChoice(states []*ProviderKeyState) *ProviderKeyState {
	if len(states) == 1 {
		return states[0]
	}
	var total float64
	weights := make([]float64, len(states))
	for i, s := range states {
		w := s.Weight
		if w <= 0 {
			w = 0.0001
		}
		weights[i] = w
		total += w
	}
	r := p.rngFunc() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if r < cumulative {
			return states[i]
		}
	}
	return states[len(states)-1]
}

func removeState(states []*ProviderKeyState, target *ProviderKeyState) []*ProviderKeyState {
	out := make([]*ProviderKeyState, 0, len(states)-1)
	for _, s := range states {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// RecordSuccess clears a key's failure count and backoff.
func (p *Pool) RecordSuccess(sel SelectedKey) {
	lock := p.lockFor(sel.ProviderID)
	lock.Lock()
	defer lock.Unlock()

	sel.state.FailCount = 0
	sel.state.BackoffUntil = time.Time{}
}

// RecordFailure increases a key's backoff after an upstream failure.
// backoff = base * 2^min(fail_count,5), base=1.0 if retryable else 5.0,
// floored at 30s for 401/403 responses, capped at 60s.
func (p *Pool) RecordFailure(sel SelectedKey, retryable bool, statusCode int) {
	lock := p.lockFor(sel.ProviderID)
	lock.Lock()
	defer lock.Unlock()

	sel.state.FailCount++
	base := 1.0
	if !retryable {
		base = 5.0
	}
	backoffSeconds := base * float64(int64(1)<<min(sel.state.FailCount, 5))
	if statusCode == 401 || statusCode == 403 {
		backoffSeconds = max(backoffSeconds, 30.0)
	}
	backoffSeconds = min(backoffSeconds, 60.0)
	backoff := time.Duration(backoffSeconds * float64(time.Second))
	sel.state.BackoffUntil = p.nowFunc().Add(backoff)
	slog.Warn("keypool: backing off after upstream failure",
		"provider", sel.ProviderID,
		"label", sel.state.Label,
		"backoff", backoff,
		"status", statusCode,
		"retryable", retryable)
}

// Snapshot returns a copy of a provider's key states, for admin inspection.
func (p *Pool) Snapshot(providerID string) []ProviderKeyState {
	lock := p.lockFor(providerID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	pool := p.providers[providerID]
	p.mu.Unlock()

	out := make([]ProviderKeyState, 0, len(pool))
	for _, s := range pool {
		out = append(out, *s)
	}
	return out
}
