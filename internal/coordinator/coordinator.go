// Package coordinator implements the RequestCoordinator (C9): the top-level
// request handler that wires moderation, candidate selection, the
// CandidateRetryEngine, and sticky session binding into one call per
// inbound chat request.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jordanhubbard/llmgateway/internal/catalog"
	"github.com/jordanhubbard/llmgateway/internal/dispatch"
	"github.com/jordanhubbard/llmgateway/internal/health"
	"github.com/jordanhubbard/llmgateway/internal/idempotency"
	"github.com/jordanhubbard/llmgateway/internal/keypool"
	"github.com/jordanhubbard/llmgateway/internal/retry"
	"github.com/jordanhubbard/llmgateway/internal/routestats"
	"github.com/jordanhubbard/llmgateway/internal/scheduler"
	"github.com/jordanhubbard/llmgateway/internal/session"
)

// Decision is a moderation verdict.
type Decision struct {
	Denied bool
	Reason string
}

// Moderator is the external moderation collaborator. A nil Moderator (or
// the NoopModerator below) always allows the request.
type Moderator interface {
	Check(ctx context.Context, payload any) (Decision, error)
}

// NoopModerator allows every request. It is the default when the caller
// does not wire a real moderation service.
type NoopModerator struct{}

func (NoopModerator) Check(context.Context, any) (Decision, error) { return Decision{}, nil }

// BillingRecorder is the external usage-billing collaborator. A nil
// BillingRecorder disables billing entirely.
type BillingRecorder interface {
	RecordUsage(ctx context.Context, logicalModel, providerID string, payload any, response *retry.Response)
}

// Config configures request-scoped coordinator behavior.
type Config struct {
	HealthCheckEnabled bool
	SessionTTL         time.Duration
}

// Coordinator implements C9 over the C1-C8 components.
type Coordinator struct {
	Catalog     *catalog.Catalog
	Metrics     *routestats.Store
	Health      *health.Tracker
	Sessions    *session.Store
	Retry       *retry.Engine
	Idempotency *idempotency.Cache
	Moderation  Moderator
	Billing     BillingRecorder
	Config      Config
	Logger      *slog.Logger
	nowFunc     func() time.Time
}

// New creates a RequestCoordinator. moderation and billing may be nil, in
// which case moderation always allows and billing is skipped. logger may be
// nil, in which case per-attempt routing logs are skipped.
func New(cat *catalog.Catalog, metrics *routestats.Store, h *health.Tracker, sessions *session.Store, retryEngine *retry.Engine, idem *idempotency.Cache, moderation Moderator, billing BillingRecorder, cfg Config, logger *slog.Logger) *Coordinator {
	if moderation == nil {
		moderation = NoopModerator{}
	}
	return &Coordinator{
		Catalog:     cat,
		Metrics:     metrics,
		Health:      h,
		Sessions:    sessions,
		Retry:       retryEngine,
		Idempotency: idem,
		Moderation:  moderation,
		Billing:     billing,
		Config:      cfg,
		Logger:      logger,
		nowFunc:     time.Now,
	}
}

// Handle performs one non-streaming routed request.
func (c *Coordinator) Handle(ctx context.Context, payload any, logicalModelID, sessionID, idempotencyKey string) (*retry.Response, error) {
	if decision, err := c.Moderation.Check(ctx, payload); err != nil {
		return nil, newRouteError(KindInternalError, err)
	} else if decision.Denied {
		return nil, &RouteError{Kind: KindModerationDenied, Reason: decision.Reason, Message: decision.Reason}
	}

	candidates, err := c.selectCandidates(ctx, logicalModelID, sessionID)
	if err != nil {
		return nil, err
	}

	ctx = withLogicalModel(ctx, logicalModelID)
	ctx = withSessionID(ctx, sessionID)
	engine := c.instrumentedEngine()

	var boundSessionID string
	onSuccess := func(providerID, modelID string) {
		if sessionID == "" || c.Sessions == nil {
			return
		}
		if _, err := c.Sessions.Bind(ctx, sessionID, logicalModelID, providerID, modelID, c.Config.SessionTTL); err == nil {
			boundSessionID = sessionID
		}
	}

	resp, err := engine.TryNonStream(ctx, candidates, payload, logicalModelID, onSuccess)
	if err != nil {
		return nil, classifyRetryError(err)
	}

	if c.Billing != nil && len(candidates) > 0 {
		providerID := candidates[0].Upstream.ProviderID
		if boundSessionID != "" {
			if sess, serr := c.Sessions.Get(ctx, boundSessionID); serr == nil {
				providerID = sess.ProviderID
			}
		}
		c.Billing.RecordUsage(ctx, logicalModelID, providerID, payload, resp)
	}

	return resp, nil
}

// HandleStream performs one streaming routed request. The returned channel
// is closed when the stream ends, whether by success or error.
func (c *Coordinator) HandleStream(ctx context.Context, payload any, logicalModelID, sessionID, idempotencyKey string) (<-chan retry.StreamEvent, error) {
	if decision, err := c.Moderation.Check(ctx, payload); err != nil {
		return nil, newRouteError(KindInternalError, err)
	} else if decision.Denied {
		return nil, &RouteError{Kind: KindModerationDenied, Reason: decision.Reason, Message: decision.Reason}
	}

	if idempotencyKey != "" && c.Idempotency != nil {
		if _, ok := c.Idempotency.Get(idempotencyKey); ok {
			return nil, &RouteError{Kind: KindInternalError, Message: "duplicate streaming request for idempotency key"}
		}
		c.Idempotency.Set(idempotencyKey, []byte("stream-started"), 0, nil)
	}

	candidates, err := c.selectCandidates(ctx, logicalModelID, sessionID)
	if err != nil {
		return nil, err
	}

	ctx = withLogicalModel(ctx, logicalModelID)
	ctx = withSessionID(ctx, sessionID)
	engine := c.instrumentedEngine()

	onFirstChunk := func(providerID, modelID string) {
		if sessionID == "" || c.Sessions == nil {
			return
		}
		_, _ = c.Sessions.Bind(ctx, sessionID, logicalModelID, providerID, modelID, c.Config.SessionTTL)
	}

	events, err := engine.TryStream(ctx, candidates, payload, logicalModelID, onFirstChunk)
	if err != nil {
		return nil, classifyRetryError(err)
	}
	return events, nil
}

// selectCandidates is the ProviderSelector wrapper of C5: it loads the
// logical model, joins current metrics and health, reads the optional
// sticky session, and returns the ordered candidate list.
func (c *Coordinator) selectCandidates(ctx context.Context, logicalModelID, sessionID string) ([]scheduler.CandidateScore, error) {
	lm, err := c.Catalog.GetLogicalModel(ctx, logicalModelID)
	if err != nil {
		if errors.Is(err, catalog.ErrLogicalModelMissing) {
			return nil, &RouteError{Kind: KindLogicalModelMissing, Message: "logical model " + logicalModelID + " not found"}
		}
		if errors.Is(err, catalog.ErrNoUpstreams) {
			return nil, &RouteError{Kind: KindNoUpstreams, Message: "logical model " + logicalModelID + " has no upstreams"}
		}
		return nil, newRouteError(KindInternalError, err)
	}
	if !lm.Enabled {
		return nil, &RouteError{Kind: KindLogicalModelMissing, Message: "logical model " + logicalModelID + " is disabled"}
	}

	metricsByProvider := make(map[string]routestats.RoutingMetrics, len(lm.Upstreams))
	healthByProvider := make(map[string]string, len(lm.Upstreams))
	for _, u := range lm.Upstreams {
		if c.Metrics != nil {
			if m, ok := c.Metrics.Get(logicalModelID, u.ProviderID); ok {
				metricsByProvider[u.ProviderID] = m
			}
		}
		if c.Health != nil {
			healthByProvider[u.ProviderID] = string(c.Health.GetStats(u.ProviderID).State)
		}
	}

	disabled, err := c.Catalog.DisabledProviders(ctx)
	if err != nil {
		return nil, newRouteError(KindInternalError, err)
	}

	var sess *session.Session
	if sessionID != "" && c.Sessions != nil {
		if s, err := c.Sessions.Get(ctx, sessionID); err == nil {
			sess = s
		}
	}

	dynamicWeights := c.Catalog.DynamicWeights(ctx)

	_, all, err := scheduler.Choose(lm.Upstreams, metricsByProvider, lm.Strategy, sess, dynamicWeights, c.Config.HealthCheckEnabled, healthByProvider, disabled)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoCandidates) {
			return nil, &RouteError{Kind: KindNoUpstreams, Message: "no healthy or enabled upstreams for " + logicalModelID}
		}
		return nil, newRouteError(KindInternalError, err)
	}
	return all, nil
}

// instrumentedEngine returns the retry engine wrapped so every attempt
// records latency into the MetricsStore and success/failure into the
// HealthOracle, keyed to the logical model carried in ctx.
func (c *Coordinator) instrumentedEngine() *retry.Engine {
	cp := *c.Retry
	cp.Dispatcher = &instrumentedDispatcher{
		delegate: c.Retry.Dispatcher,
		metrics:  c.Metrics,
		health:   c.Health,
		logger:   c.Logger,
		nowFunc:  c.nowFunc,
	}
	return &cp
}

func classifyRetryError(err error) error {
	var allFailed *retry.ErrAllProvidersFailed
	if errors.As(err, &allFailed) {
		return &RouteError{
			Kind:      KindAllProvidersFailed,
			Message:   allFailed.Error(),
			Status:    allFailed.LastStatus,
			Retryable: false,
		}
	}
	if errors.Is(err, keypool.ErrNoAvailableKey) {
		return &RouteError{Kind: KindNoAvailableKey, Message: err.Error()}
	}
	var se *dispatch.StatusError
	if errors.As(err, &se) {
		return &RouteError{Kind: KindUpstreamError, Message: se.Error(), Status: se.StatusCode, Retryable: dispatch.Retryable(se.StatusCode)}
	}
	return newRouteError(KindInternalError, err)
}
