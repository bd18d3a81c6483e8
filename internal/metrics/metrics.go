package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus collector the gateway exports, all bound
// to a private registry rather than the global default so /metrics never
// leaks process-wide collectors registered by an imported package.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestLatency     *prometheus.HistogramVec
	RateLimitedTotal   prometheus.Counter
	CandidateAttempts  *prometheus.CounterVec
	KeyBackoffsTotal   *prometheus.CounterVec
	SchedulerSelected  *prometheus.CounterVec
	ProviderHealthGauge *prometheus.GaugeVec
	AllProvidersFailedTotal *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total requests routed through the gateway",
		}, []string{"logical_model", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"logical_model", "provider"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		CandidateAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_candidate_attempts_total",
			Help: "Total candidate dispatch attempts by provider and outcome",
		}, []string{"logical_model", "provider", "outcome"}),
		KeyBackoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_key_backoffs_total",
			Help: "Total times a provider key entered backoff after a failure",
		}, []string{"provider"}),
		SchedulerSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_scheduler_selected_total",
			Help: "Total times a provider was chosen as the top scheduler candidate",
		}, []string{"logical_model", "provider", "strategy"}),
		ProviderHealthGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_health_state",
			Help: "Provider health state (0=healthy, 1=degraded, 2=unavailable)",
		}, []string{"provider"}),
		AllProvidersFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_all_providers_failed_total",
			Help: "Total requests that exhausted every candidate for a logical model",
		}, []string{"logical_model"}),
	}
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestLatency,
		m.RateLimitedTotal,
		m.CandidateAttempts,
		m.KeyBackoffsTotal,
		m.SchedulerSelected,
		m.ProviderHealthGauge,
		m.AllProvidersFailedTotal,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
