package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/jordanhubbard/llmgateway/internal/routestats"
	"github.com/jordanhubbard/llmgateway/internal/session"
)

func TestChooseReturnsHighestScoreFirst(t *testing.T) {
	upstreams := []PhysicalModel{
		{ProviderID: "slow", ModelID: "m1", BaseWeight: 1},
		{ProviderID: "fast", ModelID: "m1", BaseWeight: 1},
	}
	metrics := map[string]routestats.RoutingMetrics{
		"slow": {LatencyP95Ms: 9000, ErrorRate: 0},
		"fast": {LatencyP95Ms: 100, ErrorRate: 0},
	}

	selected, all, err := Choose(upstreams, metrics, StrategyBalanced, nil, nil, false, nil, nil)
	if err != nil {
		t.Fatalf("Choose failed: %v", err)
	}
	if selected.Upstream.ProviderID != "fast" {
		t.Fatalf("selected = %q, want fast", selected.Upstream.ProviderID)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
}

func TestChooseFiltersDownProviders(t *testing.T) {
	upstreams := []PhysicalModel{
		{ProviderID: "down-provider", ModelID: "m1", BaseWeight: 10},
		{ProviderID: "healthy", ModelID: "m1", BaseWeight: 1},
	}
	health := map[string]string{"down-provider": "down", "healthy": "healthy"}

	selected, _, err := Choose(upstreams, nil, StrategyBalanced, nil, nil, true, health, nil)
	if err != nil {
		t.Fatalf("Choose failed: %v", err)
	}
	if selected.Upstream.ProviderID != "healthy" {
		t.Fatalf("selected = %q, want healthy", selected.Upstream.ProviderID)
	}
}

func TestChooseNoCandidatesError(t *testing.T) {
	upstreams := []PhysicalModel{{ProviderID: "p1", ModelID: "m1", BaseWeight: 1}}
	disabled := map[string]struct{}{"p1": {}}

	_, _, err := Choose(upstreams, nil, StrategyBalanced, nil, nil, false, nil, disabled)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", err)
	}
}

func TestChooseErrorRatePenalizesScore(t *testing.T) {
	upstreams := []PhysicalModel{
		{ProviderID: "flaky", ModelID: "m1", BaseWeight: 10},
		{ProviderID: "reliable", ModelID: "m1", BaseWeight: 10},
	}
	metrics := map[string]routestats.RoutingMetrics{
		"flaky":    {ErrorRate: 0.9},
		"reliable": {ErrorRate: 0},
	}

	selected, _, err := Choose(upstreams, metrics, StrategyBalanced, nil, nil, false, nil, nil)
	if err != nil {
		t.Fatalf("Choose failed: %v", err)
	}
	if selected.Upstream.ProviderID != "reliable" {
		t.Fatalf("selected = %q, want reliable", selected.Upstream.ProviderID)
	}
}

func TestChooseLatencyFirstStrategy(t *testing.T) {
	upstreams := []PhysicalModel{
		{ProviderID: "a", ModelID: "m1", BaseWeight: 1},
		{ProviderID: "b", ModelID: "m1", BaseWeight: 1},
	}
	metrics := map[string]routestats.RoutingMetrics{
		"a": {LatencyP50Ms: 1000, LatencyP95Ms: 1000},
		"b": {LatencyP50Ms: 10, LatencyP95Ms: 10},
	}

	selected, _, err := Choose(upstreams, metrics, StrategyLatencyFirst, nil, nil, false, nil, nil)
	if err != nil {
		t.Fatalf("Choose failed: %v", err)
	}
	if selected.Upstream.ProviderID != "b" {
		t.Fatalf("selected = %q, want b (lower p50)", selected.Upstream.ProviderID)
	}
}

func TestChooseWeightedStrategyOverridesScore(t *testing.T) {
	upstreams := []PhysicalModel{
		{ProviderID: "a", ModelID: "m1", BaseWeight: 100},
		{ProviderID: "b", ModelID: "m1", BaseWeight: 1},
	}
	dynamic := map[string]float64{"a": 1, "b": 100}

	selected, _, err := Choose(upstreams, nil, StrategyWeighted, nil, dynamic, false, nil, nil)
	if err != nil {
		t.Fatalf("Choose failed: %v", err)
	}
	if selected.Upstream.ProviderID != "b" {
		t.Fatalf("selected = %q, want b (dynamic weight should override base_weight)", selected.Upstream.ProviderID)
	}
}

func TestChooseStickyBoost(t *testing.T) {
	upstreams := []PhysicalModel{
		{ProviderID: "a", ModelID: "m1", BaseWeight: 5},
		{ProviderID: "b", ModelID: "m1", BaseWeight: 1},
	}
	sess := &session.Session{ProviderID: "b", ModelID: "m1", CreatedAt: time.Now()}

	selected, _, err := Choose(upstreams, nil, StrategyStickyFirst, sess, nil, false, nil, nil)
	if err != nil {
		t.Fatalf("Choose failed: %v", err)
	}
	if selected.Upstream.ProviderID != "b" {
		t.Fatalf("selected = %q, want b (sticky session should dominate the weight gap)", selected.Upstream.ProviderID)
	}
}

func TestChooseDeterministicTiebreak(t *testing.T) {
	upstreams := []PhysicalModel{
		{ProviderID: "zeta", ModelID: "m1", BaseWeight: 1},
		{ProviderID: "alpha", ModelID: "m1", BaseWeight: 1},
	}

	_, all, err := Choose(upstreams, nil, StrategyBalanced, nil, nil, false, nil, nil)
	if err != nil {
		t.Fatalf("Choose failed: %v", err)
	}
	if all[0].Upstream.ProviderID != "alpha" {
		t.Fatalf("all[0] = %q, want alpha (lexicographic tiebreak on equal score)", all[0].Upstream.ProviderID)
	}
}

func TestChooseMissingMetricsUsesBaseScoreOnly(t *testing.T) {
	upstreams := []PhysicalModel{
		{ProviderID: "no-metrics", ModelID: "m1", BaseWeight: 5},
	}
	selected, _, err := Choose(upstreams, nil, StrategyBalanced, nil, nil, false, nil, nil)
	if err != nil {
		t.Fatalf("Choose failed: %v", err)
	}
	if selected.Score != 5 {
		t.Fatalf("Score = %v, want 5 (base weight unchanged absent metrics)", selected.Score)
	}
}
