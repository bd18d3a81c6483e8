package coordinator

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jordanhubbard/llmgateway/internal/dispatch"
	"github.com/jordanhubbard/llmgateway/internal/health"
	"github.com/jordanhubbard/llmgateway/internal/keypool"
	"github.com/jordanhubbard/llmgateway/internal/logging"
	"github.com/jordanhubbard/llmgateway/internal/retry"
	"github.com/jordanhubbard/llmgateway/internal/routestats"
	"github.com/jordanhubbard/llmgateway/internal/scheduler"
)

type logicalModelKeyType struct{}
type sessionIDKeyType struct{}

var logicalModelKey = logicalModelKeyType{}
var sessionIDKey = sessionIDKeyType{}

func withLogicalModel(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, logicalModelKey, id)
}

func logicalModelFrom(ctx context.Context) string {
	id, _ := ctx.Value(logicalModelKey).(string)
	return id
}

func withSessionID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey, id)
}

func sessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// instrumentedDispatcher wraps a retry.Dispatcher so every attempt records
// its latency into the MetricsStore (C2), its outcome into the HealthOracle
// (C3), and a routing-domain log line, without C8 itself needing to know
// about any of the three.
type instrumentedDispatcher struct {
	delegate retry.Dispatcher
	metrics  *routestats.Store
	health   *health.Tracker
	logger   *slog.Logger
	nowFunc  func() time.Time
}

func (d *instrumentedDispatcher) record(ctx context.Context, c scheduler.CandidateScore, start time.Time, success bool, errMsg string) {
	providerID := c.Upstream.ProviderID
	latencyMs := float64(d.nowFunc().Sub(start).Milliseconds())
	if d.metrics != nil {
		d.metrics.Record(routestats.Sample{
			LogicalModel: logicalModelFrom(ctx),
			ProviderID:   providerID,
			LatencyMs:    latencyMs,
			Success:      success,
		})
	}
	if d.health != nil {
		if success {
			d.health.RecordSuccess(providerID, latencyMs)
		} else {
			d.health.RecordError(providerID, errMsg)
		}
	}
	if d.logger != nil {
		logging.RouteAttempt(d.logger, logicalModelFrom(ctx), providerID, c.Score, latencyMs, success, sessionIDFrom(ctx))
	}
}

func (d *instrumentedDispatcher) Dispatch(ctx context.Context, c scheduler.CandidateScore, sel keypool.SelectedKey, payload any) (dispatch.Result, error) {
	start := d.nowFunc()
	result, err := d.delegate.Dispatch(ctx, c, sel, payload)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.record(ctx, c, start, err == nil, msg)
	return result, err
}

func (d *instrumentedDispatcher) DispatchStream(ctx context.Context, c scheduler.CandidateScore, sel keypool.SelectedKey, payload any) (io.ReadCloser, error) {
	start := d.nowFunc()
	body, err := d.delegate.DispatchStream(ctx, c, sel, payload)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.record(ctx, c, start, err == nil, msg)
	return body, err
}
