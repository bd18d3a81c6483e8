// Package scheduler scores and orders candidate upstreams for a logical
// model. Choose is a pure function: no I/O, no mutation of its inputs.
package scheduler

import (
	"errors"
	"sort"

	"github.com/jordanhubbard/llmgateway/internal/routestats"
	"github.com/jordanhubbard/llmgateway/internal/session"
)

// ErrNoCandidates is returned when filters eliminate every upstream.
var ErrNoCandidates = errors.New("scheduler: no candidates available")

// Strategy selects the scoring adjustment applied on top of the base metrics
// penalty.
type Strategy string

const (
	StrategyBalanced     Strategy = "balanced"
	StrategyLatencyFirst Strategy = "latency_first"
	StrategyWeighted     Strategy = "weighted"
	StrategyStickyFirst  Strategy = "sticky_first"
)

// PhysicalModel identifies one upstream that can serve a logical model.
type PhysicalModel struct {
	ProviderID string
	ModelID    string
	Endpoint   string
	BaseWeight float64
	APIStyle   string
}

// CandidateScore pairs an upstream with its computed score and, if
// available, the metrics that produced it.
type CandidateScore struct {
	Upstream PhysicalModel
	Metrics  *routestats.RoutingMetrics
	Score    float64
}

// latencyNormalizationCapMs clamps p95 latency before it feeds the metrics
// penalty, so one very slow outlier upstream cannot produce a near-zero
// divisor.
const latencyNormalizationCapMs = 10000.0

// latencyFirstConstant is the "c" in 1 / (1 + p50/c) for latency_first.
const latencyFirstConstant = 200.0

// stickyBoost multiplies the score of the upstream matching the session's
// bound (provider_id, model_id), so stickiness dominates ties.
const stickyBoost = 10.0

// Choose scores and orders upstreams for one logical model.
func Choose(
	upstreams []PhysicalModel,
	metricsByProvider map[string]routestats.RoutingMetrics,
	strategy Strategy,
	sess *session.Session,
	dynamicWeights map[string]float64,
	healthEnabled bool,
	healthByProvider map[string]string, // providerID -> health status tag
	disabled map[string]struct{}, // providerID set, administratively disabled
) (selected CandidateScore, all []CandidateScore, err error) {
	filtered := make([]PhysicalModel, 0, len(upstreams))
	for _, u := range upstreams {
		if healthEnabled && healthByProvider[u.ProviderID] == "down" {
			continue
		}
		if _, ok := disabled[u.ProviderID]; ok {
			continue
		}
		filtered = append(filtered, u)
	}
	if len(filtered) == 0 {
		return CandidateScore{}, nil, ErrNoCandidates
	}

	scored := make([]CandidateScore, 0, len(filtered))
	for _, u := range filtered {
		m, hasMetrics := metricsByProvider[u.ProviderID]
		var mp *routestats.RoutingMetrics
		if hasMetrics {
			cp := m
			mp = &cp
		}
		score := scoreUpstream(u, mp, strategy, sess, dynamicWeights)
		scored = append(scored, CandidateScore{Upstream: u, Metrics: mp, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Upstream.ProviderID != scored[j].Upstream.ProviderID {
			return scored[i].Upstream.ProviderID < scored[j].Upstream.ProviderID
		}
		return scored[i].Upstream.ModelID < scored[j].Upstream.ModelID
	})

	return scored[0], scored, nil
}

func scoreUpstream(
	u PhysicalModel,
	m *routestats.RoutingMetrics,
	strategy Strategy,
	sess *session.Session,
	dynamicWeights map[string]float64,
) float64 {
	score := u.BaseWeight

	if m != nil {
		score *= maxFloat(0, 1-m.ErrorRate)
		score /= 1 + normalizeLatency(m.LatencyP95Ms)
	}

	switch strategy {
	case StrategyLatencyFirst:
		if m != nil {
			score *= 1 / (1 + m.LatencyP50Ms/latencyFirstConstant)
		}
	case StrategyWeighted:
		if w, ok := dynamicWeights[u.ProviderID]; ok {
			score = w
		} else {
			score = u.BaseWeight
		}
	case StrategyStickyFirst, StrategyBalanced:
		// No additional per-strategy adjustment; composed score stands.
	}

	if sess != nil && sess.ProviderID == u.ProviderID && sess.ModelID == u.ModelID {
		score *= stickyBoost
	}

	return score
}

func normalizeLatency(p95Ms float64) float64 {
	if p95Ms <= 0 {
		return 0
	}
	if p95Ms > latencyNormalizationCapMs {
		p95Ms = latencyNormalizationCapMs
	}
	return p95Ms / latencyNormalizationCapMs
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
