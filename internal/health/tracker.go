// Package health tracks per-provider availability so the scheduler can drop
// unhealthy upstreams from candidate selection.
package health

import (
	"sync"
	"time"

	"github.com/jordanhubbard/llmgateway/internal/circuitbreaker"
	"github.com/jordanhubbard/llmgateway/internal/events"
)

// State is a provider's health tag.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
	StateUnknown  State = "unknown"
)

// Stats captures runtime health metrics for a single provider.
type Stats struct {
	ProviderID    string    `json:"provider_id"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// TrackerConfig configures the tracker's degraded/down thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: consecutive errors before degraded state.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: consecutive errors before the provider's breaker trips to down.
	ConsecErrorsForDown int
	// CooldownDuration: how long a down provider stays excluded before a probe is allowed.
	CooldownDuration time.Duration
	// StaleAfter marks a provider with no traffic in this window as unknown
	// rather than whatever state it last reported. Zero disables staleness.
	StaleAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
		StaleAfter:              5 * time.Minute,
	}
}

// Tracker tracks runtime health of all providers. Degraded is a simple
// consecutive-error threshold (matching how the rest of this codebase
// tracks soft failures); down/recovery is delegated to a per-provider
// circuitbreaker.Breaker so time-based cooldown and half-open probing reuse
// that package's already-tested state machine instead of a parallel one.
type Tracker struct {
	cfg      TrackerConfig
	EventBus *events.Bus
	onUpdate func(providerID string, state State)
	nowFunc  func() time.Time

	mu       sync.RWMutex
	stats    map[string]*Stats
	breakers map[string]*circuitbreaker.Breaker
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus attaches an event bus so health transitions are published.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.EventBus = bus }
}

// WithOnUpdate registers a callback invoked on every RecordSuccess/RecordError.
func WithOnUpdate(fn func(providerID string, state State)) TrackerOption {
	return func(t *Tracker) { t.onUpdate = fn }
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		stats:    make(map[string]*Stats),
		breakers: make(map[string]*circuitbreaker.Breaker),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// breakerFor returns (creating if needed) the breaker for a provider.
// Caller must hold t.mu.
func (t *Tracker) breakerFor(providerID string) *circuitbreaker.Breaker {
	if b, ok := t.breakers[providerID]; ok {
		return b
	}
	b := circuitbreaker.New(
		circuitbreaker.WithThreshold(t.cfg.ConsecErrorsForDown),
		circuitbreaker.WithCooldown(t.cfg.CooldownDuration),
	)
	t.breakers[providerID] = b
	return b
}

// RecordSuccess records a successful request to a provider.
func (t *Tracker) RecordSuccess(providerID string, latencyMs float64) {
	t.mu.Lock()

	s := t.getOrCreate(providerID)
	b := t.breakerFor(providerID)
	oldState := s.State

	s.TotalRequests++
	s.ConsecErrors = 0
	s.LastSuccessAt = t.nowFunc()
	b.RecordSuccess()

	if s.TotalRequests == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}

	newState := t.computeState(s, b)
	s.State = newState
	t.mu.Unlock()

	t.notify(providerID, oldState, newState, "success recorded")
}

// RecordError records a failed request to a provider.
func (t *Tracker) RecordError(providerID string, errMsg string) {
	t.mu.Lock()

	s := t.getOrCreate(providerID)
	b := t.breakerFor(providerID)
	oldState := s.State

	s.TotalRequests++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = t.nowFunc()
	b.RecordFailure()

	newState := t.computeState(s, b)
	s.State = newState
	t.mu.Unlock()

	t.notify(providerID, oldState, newState, errMsg)
}

func (t *Tracker) notify(providerID string, oldState, newState State, reason string) {
	if t.onUpdate != nil {
		t.onUpdate(providerID, newState)
	}
	if oldState != newState && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:       events.EventHealthChange,
			ProviderID: providerID,
			OldState:   string(oldState),
			NewState:   string(newState),
			Reason:     reason,
		})
	}
}

// computeState derives the health tag from breaker state, consecutive
// errors, and staleness. Caller must hold t.mu.
func (t *Tracker) computeState(s *Stats, b *circuitbreaker.Breaker) State {
	if b.CurrentState() == circuitbreaker.Open {
		return StateDown
	}
	if t.cfg.StaleAfter > 0 {
		last := s.LastSuccessAt
		if s.LastErrorTime.After(last) {
			last = s.LastErrorTime
		}
		if !last.IsZero() && t.nowFunc().Sub(last) > t.cfg.StaleAfter {
			return StateUnknown
		}
	}
	if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		return StateDegraded
	}
	if s.TotalRequests == 0 {
		return StateUnknown
	}
	return StateHealthy
}

// IsAvailable reports whether a provider should receive requests. Calling
// this (rather than just reading cached state) lets a down provider's
// breaker notice that its cooldown has elapsed and flip to half-open.
func (t *Tracker) IsAvailable(providerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.stats[providerID]; !ok {
		return true // unknown provider is assumed available
	}
	b := t.breakerFor(providerID)
	return b.Allow()
}

// GetStats returns a copy of the health stats for a provider, with State
// recomputed live so a provider that has gone quiet reports unknown even
// before its next request.
func (t *Tracker) GetStats(providerID string) *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[providerID]
	if !ok {
		return &Stats{ProviderID: providerID, State: StateUnknown}
	}
	cp := *s
	cp.State = t.computeState(s, t.breakerFor(providerID))
	return &cp
}

// AllStats returns a copy of health stats for all known providers, with
// State recomputed live (see GetStats).
func (t *Tracker) AllStats() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Stats, 0, len(t.stats))
	for id, s := range t.stats {
		cp := *s
		cp.State = t.computeState(s, t.breakerFor(id))
		result = append(result, cp)
	}
	return result
}

// GetAvgLatencyMs returns the average latency for a provider.
func (t *Tracker) GetAvgLatencyMs(providerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[providerID]; ok {
		return s.AvgLatencyMs
	}
	return 0
}

// GetErrorRate returns the error rate for a provider.
func (t *Tracker) GetErrorRate(providerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[providerID]; ok && s.TotalRequests > 0 {
		return float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return 0
}

func (t *Tracker) getOrCreate(providerID string) *Stats {
	s, ok := t.stats[providerID]
	if !ok {
		s = &Stats{ProviderID: providerID, State: StateUnknown}
		t.stats[providerID] = s
	}
	return s
}
