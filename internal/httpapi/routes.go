// Package httpapi mounts the gateway's external HTTP surface: the three
// OpenAI/Responses/Claude-shaped /v2 chat entry points, /healthz, /metrics,
// and the bearer-token-gated /admin/v1 configuration and observability API.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/llmgateway/internal/catalog"
	"github.com/jordanhubbard/llmgateway/internal/coordinator"
	"github.com/jordanhubbard/llmgateway/internal/events"
	"github.com/jordanhubbard/llmgateway/internal/health"
	"github.com/jordanhubbard/llmgateway/internal/idempotency"
	"github.com/jordanhubbard/llmgateway/internal/metrics"
	"github.com/jordanhubbard/llmgateway/internal/ratelimit"
	"github.com/jordanhubbard/llmgateway/internal/routestats"
	"github.com/jordanhubbard/llmgateway/internal/store"
	"github.com/jordanhubbard/llmgateway/internal/vault"
)

const maxBodyBytes = 10 << 20 // 10 MiB, generous for multi-turn chat payloads

// Dependencies collects everything the HTTP layer needs to serve a request.
// It is built once in cmd/gateway's startup path and passed to MountRoutes.
type Dependencies struct {
	Coordinator *coordinator.Coordinator
	Catalog     *catalog.Catalog
	Store       store.Store
	Vault       *vault.Vault
	Metrics     *metrics.Registry
	Health      *health.Tracker
	RouteStats  *routestats.Store
	EventBus    *events.Bus
	AdminToken  *AdminTokenHolder
	Idempotency *idempotency.Cache
	RateLimiter *ratelimit.Limiter
	Logger      *slog.Logger
}

// MountRoutes wires the full external surface onto r.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(bodySizeLimit(maxBodyBytes))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-Session-Id", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware)
	}
	if d.Idempotency != nil {
		r.Use(idempotency.Middleware(d.Idempotency))
	}

	r.Route("/v2", func(r chi.Router) {
		r.Post("/chat/completions", ChatHandler(d, styleOpenAI))
		r.Post("/responses", ChatHandler(d, styleResponses))
		r.Post("/messages", ChatHandler(d, styleClaude))
	})

	r.Get("/healthz", HealthzHandler(d))
	r.Get("/metrics", d.Metrics.Handler().ServeHTTP)

	if d.EventBus != nil {
		r.Get("/v2/events", SSEHandler(d.EventBus))
	}

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(adminAuthMiddleware(d.AdminToken))

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", ProvidersListHandler(d))
			r.Put("/{id}", ProvidersUpsertHandler(d))
			r.Patch("/{id}", ProvidersPatchHandler(d))
			r.Delete("/{id}", ProvidersDeleteHandler(d))
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", ModelsListHandler(d))
			r.Put("/{id}", ModelsUpsertHandler(d))
			r.Patch("/{id}", ModelsPatchHandler(d))
			r.Delete("/{id}", ModelsDeleteHandler(d))
		})

		r.Route("/routing-config", func(r chi.Router) {
			r.Get("/", RoutingConfigGetHandler(d))
			r.Put("/", RoutingConfigSetHandler(d))
		})

		r.Get("/health", HealthStatsHandler(d))
		r.Get("/stats", RoutingStatsHandler(d))
		r.Get("/sessions/{conversationId}", SessionGetHandler(d))
		r.Delete("/sessions/{conversationId}", SessionDeleteHandler(d))
		r.Get("/audit", AuditLogsHandler(d))
		r.Get("/request-logs", RequestLogsHandler(d))

		r.Post("/admin-token/rotate", AdminTokenRotateHandler(d))

		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))
		r.Post("/vault/rotate", VaultRotateHandler(d))
	})
}

// bodySizeLimit caps request bodies so a malformed or hostile client can't
// force the whole body into memory via json.Decoder before failing.
func bodySizeLimit(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// adminAuthMiddleware requires a matching bearer token on every /admin/v1
// request. A nil holder (admin surface not configured) denies everything.
func adminAuthMiddleware(holder *AdminTokenHolder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if holder == nil {
				jsonError(w, "admin API disabled", http.StatusServiceUnavailable)
				return
			}
			const prefix = "Bearer "
			auth := r.Header.Get("Authorization")
			if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || !holder.ConstantTimeEqual(auth[len(prefix):]) {
				jsonError(w, "invalid or missing admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
