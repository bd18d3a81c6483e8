package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.RequestsTotal == nil {
		t.Fatal("expected non-nil RequestsTotal counter")
	}
	if r.RequestLatency == nil {
		t.Fatal("expected non-nil RequestLatency histogram")
	}
	if r.RateLimitedTotal == nil {
		t.Fatal("expected non-nil RateLimitedTotal counter")
	}
	if r.CandidateAttempts == nil {
		t.Fatal("expected non-nil CandidateAttempts counter")
	}
	if r.KeyBackoffsTotal == nil {
		t.Fatal("expected non-nil KeyBackoffsTotal counter")
	}
	if r.SchedulerSelected == nil {
		t.Fatal("expected non-nil SchedulerSelected counter")
	}
	if r.ProviderHealthGauge == nil {
		t.Fatal("expected non-nil ProviderHealthGauge gauge")
	}
	if r.AllProvidersFailedTotal == nil {
		t.Fatal("expected non-nil AllProvidersFailedTotal counter")
	}
}

func TestHandlerNonNil(t *testing.T) {
	r := New()
	h := r.Handler()
	if h == nil {
		t.Fatal("expected non-nil http.Handler from Handler()")
	}
}

func TestMetricsCanBeCollected(t *testing.T) {
	r := New()

	r.RequestsTotal.WithLabelValues("gpt-4o", "200").Inc()
	r.RequestLatency.WithLabelValues("gpt-4o", "openai").Observe(150.0)
	r.RateLimitedTotal.Inc()
	r.CandidateAttempts.WithLabelValues("gpt-4o", "openai", "success").Inc()
	r.KeyBackoffsTotal.WithLabelValues("openai").Inc()
	r.SchedulerSelected.WithLabelValues("gpt-4o", "openai", "balanced").Inc()
	r.ProviderHealthGauge.WithLabelValues("openai").Set(0)
	r.AllProvidersFailedTotal.WithLabelValues("gpt-4o").Inc()

	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one metric family after recording values")
	}

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	want := []string{
		"gateway_requests_total",
		"gateway_request_latency_ms",
		"gateway_rate_limited_total",
		"gateway_candidate_attempts_total",
		"gateway_key_backoffs_total",
		"gateway_scheduler_selected_total",
		"gateway_provider_health_state",
		"gateway_all_providers_failed_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("expected metric %q in gathered metrics", name)
		}
	}
}

func TestMultipleRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()

	r1.RequestsTotal.WithLabelValues("gpt-4o", "200").Inc()

	mfs, err := r2.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil && m.GetCounter().GetValue() > 0 {
				t.Error("r2 should not have any non-zero counters")
			}
		}
	}
}

func TestRegisteredMetricDescriptions(t *testing.T) {
	r := New()

	ch := make(chan *prometheus.Desc, 10)
	go func() {
		r.RequestsTotal.Describe(ch)
		r.RequestLatency.Describe(ch)
		r.RateLimitedTotal.Describe(ch)
		close(ch)
	}()

	count := 0
	for range ch {
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 metric descriptors, got %d", count)
	}
}
