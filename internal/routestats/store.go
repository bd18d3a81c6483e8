// Package routestats maintains rolling per-(logical model, provider) routing
// metrics for the scheduler and the admin dashboard.
package routestats

import (
	"sync"
	"time"
)

// Sample is a single recorded request outcome.
type Sample struct {
	Timestamp    time.Time
	LogicalModel string
	ProviderID   string
	LatencyMs    float64
	Success      bool
}

// RoutingMetrics is a recent summary for one (logical model, provider) pair.
// Percentiles are trend-oriented estimates derived from a decaying bucket
// histogram, not an exact sort-based computation.
type RoutingMetrics struct {
	LogicalModel    string    `json:"logical_model"`
	ProviderID      string    `json:"provider_id"`
	LatencyP50Ms    float64   `json:"latency_p50_ms"`
	LatencyP95Ms    float64   `json:"latency_p95_ms"`
	LatencyP99Ms    float64   `json:"latency_p99_ms"`
	ErrorRate       float64   `json:"error_rate"`
	SuccessQPS1m    float64   `json:"success_qps_1m"`
	TotalRequests1m int       `json:"total_requests_1m"`
	LastUpdated     time.Time `json:"last_updated"`
	// Status reflects freshness of this summary ("fresh" if updated within
	// staleAfter, else "stale"), independent of provider health (see
	// internal/health for that).
	Status string `json:"status"`
}

const staleAfter = 2 * time.Minute

type windowEvent struct {
	at      time.Time
	success bool
}

// entry holds the accumulator state for one (logical model, provider) pair.
type entry struct {
	mu          sync.Mutex
	hist        *histogram
	window      []windowEvent // pruned to the trailing 1 minute
	lastUpdated time.Time
}

func newEntry() *entry {
	return &entry{hist: newHistogram()}
}

// Store is the MetricsStore: a write side (Record) and a read side
// (Get/All) over rolling per-(logical model, provider) accumulators.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nowFunc func() time.Time
}

// NewStore creates an empty metrics store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		nowFunc: time.Now,
	}
}

func key(logicalModel, providerID string) string {
	return logicalModel + "\x00" + providerID
}

// Record appends one sample to the relevant accumulator.
func (s *Store) Record(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.nowFunc()
	}

	s.mu.Lock()
	k := key(sample.LogicalModel, sample.ProviderID)
	e, ok := s.entries[k]
	if !ok {
		e = newEntry()
		s.entries[k] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.hist.observe(sample.LatencyMs)
	e.window = append(e.window, windowEvent{at: sample.Timestamp, success: sample.Success})
	e.window = pruneWindow(e.window, sample.Timestamp.Add(-time.Minute))
	e.lastUpdated = sample.Timestamp
}

// Get returns the current RoutingMetrics for one (logical model, provider)
// pair, or false if nothing has been recorded for it yet.
func (s *Store) Get(logicalModel, providerID string) (RoutingMetrics, bool) {
	s.mu.RLock()
	e, ok := s.entries[key(logicalModel, providerID)]
	s.mu.RUnlock()
	if !ok {
		return RoutingMetrics{}, false
	}
	return s.summarize(logicalModel, providerID, e), true
}

// All returns RoutingMetrics for every (logical model, provider) pair seen.
func (s *Store) All() []RoutingMetrics {
	s.mu.RLock()
	snapshot := make(map[string]*entry, len(s.entries))
	for k, e := range s.entries {
		snapshot[k] = e
	}
	s.mu.RUnlock()

	result := make([]RoutingMetrics, 0, len(snapshot))
	for k, e := range snapshot {
		logicalModel, providerID := splitKey(k)
		result = append(result, s.summarize(logicalModel, providerID, e))
	}
	return result
}

func (s *Store) summarize(logicalModel, providerID string, e *entry) RoutingMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.nowFunc()
	e.window = pruneWindow(e.window, now.Add(-time.Minute))

	m := RoutingMetrics{
		LogicalModel:    logicalModel,
		ProviderID:      providerID,
		LatencyP50Ms:    e.hist.percentile(0.50),
		LatencyP95Ms:    e.hist.percentile(0.95),
		LatencyP99Ms:    e.hist.percentile(0.99),
		TotalRequests1m: len(e.window),
		LastUpdated:     e.lastUpdated,
	}

	var successes, errors int
	for _, ev := range e.window {
		if ev.success {
			successes++
		} else {
			errors++
		}
	}
	if total := successes + errors; total > 0 {
		m.ErrorRate = float64(errors) / float64(total)
	}
	m.SuccessQPS1m = float64(successes) / 60.0

	if !e.lastUpdated.IsZero() && now.Sub(e.lastUpdated) <= staleAfter {
		m.Status = "fresh"
	} else {
		m.Status = "stale"
	}

	return m
}

func splitKey(k string) (logicalModel, providerID string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

func pruneWindow(w []windowEvent, cutoff time.Time) []windowEvent {
	i := 0
	for i < len(w) && w[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return w
	}
	return append([]windowEvent(nil), w[i:]...)
}
