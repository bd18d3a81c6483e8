package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/llmgateway/internal/cache"
	"github.com/jordanhubbard/llmgateway/internal/catalog"
	"github.com/jordanhubbard/llmgateway/internal/coordinator"
	"github.com/jordanhubbard/llmgateway/internal/events"
	"github.com/jordanhubbard/llmgateway/internal/health"
	"github.com/jordanhubbard/llmgateway/internal/httpapi"
	"github.com/jordanhubbard/llmgateway/internal/idempotency"
	"github.com/jordanhubbard/llmgateway/internal/keypool"
	"github.com/jordanhubbard/llmgateway/internal/logging"
	"github.com/jordanhubbard/llmgateway/internal/metrics"
	"github.com/jordanhubbard/llmgateway/internal/ratelimit"
	"github.com/jordanhubbard/llmgateway/internal/retry"
	"github.com/jordanhubbard/llmgateway/internal/routestats"
	"github.com/jordanhubbard/llmgateway/internal/session"
	"github.com/jordanhubbard/llmgateway/internal/store"
	"github.com/jordanhubbard/llmgateway/internal/tracing"
	"github.com/jordanhubbard/llmgateway/internal/upstream"
	"github.com/jordanhubbard/llmgateway/internal/vault"
)

// Server owns every long-lived component wired together by NewServer:
// the persisted store, the vault, C1-C9, and the HTTP router built on top
// of them.
type Server struct {
	cfg Config

	r *chi.Mux

	vault       *vault.Vault
	store       store.Store
	cache       cache.Cache
	logger      *slog.Logger
	coordinator *coordinator.Coordinator
	rateLimiter *ratelimit.Limiter
	idempotency *idempotency.Cache
	eventBus    *events.Bus

	otelShutdown func(context.Context) error // nil when OTel disabled

	stopLogPrune chan struct{}

	httpServer *http.Server // set via SetHTTPServer; used by Close() to drain in-flight requests
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	if cfg.OTelEnabled {
		logger.Info("opentelemetry tracing enabled",
			slog.String("endpoint", cfg.OTelEndpoint),
			slog.String("service", cfg.OTelServiceName),
		)
	}

	m := metrics.New()

	rl := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitedTotal))

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	if salt, data, err := db.LoadVaultBlob(context.Background()); err == nil && salt != nil {
		v.SetSalt(salt)
		logger.Info("restored vault salt from database")
		if data != nil {
			_ = v.Import(data)
			logger.Info("restored vault credentials", slog.Int("keys", len(data)))
		}
	}

	if cfg.VaultPassword != "" && cfg.VaultEnabled {
		logger.Warn("GATEWAY_VAULT_PASSWORD is set: vault password is visible in the process environment — prefer a secrets manager in production")
		if err := v.Unlock([]byte(cfg.VaultPassword)); err != nil {
			logger.Error("failed to auto-unlock vault from GATEWAY_VAULT_PASSWORD", slog.String("error", err.Error()))
		} else {
			logger.Info("vault auto-unlocked from GATEWAY_VAULT_PASSWORD")
			if salt := v.Salt(); salt != nil {
				if err := db.SaveVaultBlob(context.Background(), salt, v.Export()); err != nil {
					logger.Warn("failed to persist vault blob after auto-unlock", slog.String("error", err.Error()))
				}
			}
		}
	}

	// Seed routing config defaults into the store on first boot.
	if _, err := db.LoadRoutingConfig(context.Background()); err != nil {
		_ = db.SaveRoutingConfig(context.Background(), store.RoutingConfig{
			DefaultStrategy:                cfg.DefaultStrategy,
			ProviderFailureThreshold:       cfg.ProviderFailureThreshold,
			ProviderFailureCooldownSeconds: cfg.ProviderFailureCooldownSeconds,
			EnableProviderHealthCheck:      cfg.EnableProviderHealthCheck,
		})
	}
	routingCfg, err := db.LoadRoutingConfig(context.Background())
	if err != nil {
		logger.Warn("failed to load routing config, using env defaults", slog.String("error", err.Error()))
		routingCfg = store.RoutingConfig{
			DefaultStrategy:                cfg.DefaultStrategy,
			ProviderFailureThreshold:       cfg.ProviderFailureThreshold,
			ProviderFailureCooldownSeconds: cfg.ProviderFailureCooldownSeconds,
			EnableProviderHealthCheck:      cfg.EnableProviderHealthCheck,
		}
	}

	var kc cache.Cache
	if cfg.RedisEnabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		kc = cache.NewRedisCache(rdb)
		logger.Info("keyed cache backed by redis", slog.String("addr", cfg.RedisAddr))
	} else {
		kc = cache.NewMemoryCache(time.Minute)
		logger.Info("keyed cache backed by in-process memory store")
	}

	bus := events.NewBus()

	ht := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus), health.WithOnUpdate(func(providerID string, state health.State) {
		var v float64
		switch state {
		case health.StateHealthy:
			v = 0
		case health.StateDegraded:
			v = 1
		default: // StateDown, StateUnknown
			v = 2
		}
		m.ProviderHealthGauge.WithLabelValues(providerID).Set(v)
	}))

	rstats := routestats.NewStore()
	sessions := session.NewStore(kc)
	cat := catalog.New(db, kc, v)
	kp := keypool.New(kc)

	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second
	httpClient := &http.Client{Timeout: timeout}
	adapter := upstream.New(httpClient, cat)

	retryEngine := retry.New(kc, kp, adapter, func(providerID string) []keypool.KeyConfig {
		return cat.KeysForProvider(context.Background(), providerID)
	}, retry.Config{
		FailureThreshold: routingCfg.ProviderFailureThreshold,
		CooldownDuration: time.Duration(routingCfg.ProviderFailureCooldownSeconds) * time.Second,
	})

	idemCache := idempotency.New(time.Duration(cfg.IdempotencyTTLSecs)*time.Second, cfg.IdempotencyMaxEntries)
	logger.Info("idempotency cache initialized",
		slog.Int("ttl_secs", cfg.IdempotencyTTLSecs),
		slog.Int("max_entries", cfg.IdempotencyMaxEntries),
	)

	coord := coordinator.New(cat, rstats, ht, sessions, retryEngine, idemCache, nil, nil, coordinator.Config{
		HealthCheckEnabled: routingCfg.EnableProviderHealthCheck,
		SessionTTL:         time.Duration(cfg.SessionTTLSecs) * time.Second,
	}, logger)

	adminToken, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.DBDSN, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.CORSOrigins) == 0 {
		logger.Warn("GATEWAY_CORS_ORIGINS not set — CORS allows all origins")
	}

	r := chi.NewRouter()
	deps := httpapi.Dependencies{
		Coordinator: coord,
		Catalog:     cat,
		Store:       db,
		Vault:       v,
		Metrics:     m,
		Health:      ht,
		RouteStats:  rstats,
		EventBus:    bus,
		AdminToken:  adminToken,
		Idempotency: idemCache,
		RateLimiter: rl,
		Logger:      logger,
	}
	httpapi.MountRoutes(r, deps)

	s := &Server{
		cfg:          cfg,
		r:            r,
		vault:        v,
		store:        db,
		cache:        kc,
		logger:       logger,
		coordinator:  coord,
		rateLimiter:  rl,
		idempotency:  idemCache,
		eventBus:     bus,
		otelShutdown: otelShutdown,
		stopLogPrune: make(chan struct{}),
	}

	go s.logPruneLoop()

	providers, _ := db.ListProviders(context.Background())
	models, _ := db.ListLogicalModels(context.Background())
	if len(providers) == 0 {
		logger.Warn("NO PROVIDERS CONFIGURED — use the admin API to add providers")
	}
	if len(models) == 0 {
		logger.Warn("NO LOGICAL MODELS CONFIGURED — requests will fail until models are configured")
	}

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// SetHTTPServer registers the HTTP server so that Close() can drain in-flight
// requests via http.Server.Shutdown before releasing other resources.
func (s *Server) SetHTTPServer(srv *http.Server) {
	s.httpServer = srv
}

// Reload applies hot-reloadable configuration parameters at runtime without
// restarting the server.
func (s *Server) Reload(cfg Config) {
	s.rateLimiter.UpdateLimits(cfg.RateLimitRPS, cfg.RateLimitBurst)
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded",
		slog.Int("rate_limit_rps", cfg.RateLimitRPS),
		slog.Int("rate_limit_burst", cfg.RateLimitBurst),
		slog.String("log_level", cfg.LogLevel),
	)
}

func (s *Server) Close() error {
	if s.httpServer != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		if err := s.httpServer.Shutdown(drainCtx); err != nil {
			s.logger.Warn("HTTP drain error", slog.String("error", err.Error()))
		}
	}

	close(s.stopLogPrune)
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.idempotency != nil {
		s.idempotency.Stop()
	}
	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.logger.Warn("otel shutdown error", slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// logPruneLoop periodically deletes old rows from request_logs and
// audit_logs. Runs every 6 hours with a 90-day retention window.
func (s *Server) logPruneLoop() {
	const retention = 90 * 24 * time.Hour
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			deleted, err := s.store.PruneOldLogs(ctx, retention)
			cancel()
			if err != nil {
				s.logger.Warn("log prune failed", slog.String("error", err.Error()))
			} else if deleted > 0 {
				s.logger.Info("old logs pruned", slog.Int64("deleted", deleted))
			}
		case <-s.stopLogPrune:
			return
		}
	}
}
