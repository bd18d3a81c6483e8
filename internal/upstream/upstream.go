// Package upstream adapts internal/dispatch (C7) into the retry.Dispatcher
// interface CandidateRetryEngine (C8) depends on: it builds the outbound
// request (endpoint, auth header, custom headers, model substitution) for
// one candidate and one selected key, then delegates the actual HTTP call
// to dispatch.Do/DoStream.
package upstream

import (
	"context"
	"io"
	"net/http"

	"github.com/jordanhubbard/llmgateway/internal/dispatch"
	"github.com/jordanhubbard/llmgateway/internal/keypool"
	"github.com/jordanhubbard/llmgateway/internal/scheduler"
)

// HeaderSource supplies per-provider custom headers configured by the admin
// (e.g. an organization header), merged on top of the bearer auth header.
type HeaderSource interface {
	CustomHeaders(ctx context.Context, providerID string) map[string]string
}

// Adapter implements retry.Dispatcher over a shared HTTP client.
type Adapter struct {
	Client  *http.Client
	Headers HeaderSource
}

// New creates an Adapter. If client is nil, http.DefaultClient is used.
func New(client *http.Client, headers HeaderSource) *Adapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{Client: client, Headers: headers}
}

// substituteModel returns a shallow copy of payload with "model" set to the
// physical model id, so the caller's logical model name never reaches the
// upstream provider.
func substituteModel(payload any, modelID string) any {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	out["model"] = modelID
	return out
}

func (a *Adapter) buildRequest(ctx context.Context, c scheduler.CandidateScore, sel keypool.SelectedKey, payload any) dispatch.Request {
	headers := map[string]string{"Authorization": "Bearer " + sel.Key}
	if a.Headers != nil {
		for k, v := range a.Headers.CustomHeaders(ctx, c.Upstream.ProviderID) {
			headers[k] = v
		}
	}
	return dispatch.Request{
		Endpoint: c.Upstream.Endpoint,
		Headers:  headers,
		Payload:  substituteModel(payload, c.Upstream.ModelID),
	}
}

// Dispatch performs one non-streaming attempt.
func (a *Adapter) Dispatch(ctx context.Context, c scheduler.CandidateScore, sel keypool.SelectedKey, payload any) (dispatch.Result, error) {
	return dispatch.Do(ctx, a.Client, a.buildRequest(ctx, c, sel, payload))
}

// DispatchStream performs one streaming attempt.
func (a *Adapter) DispatchStream(ctx context.Context, c scheduler.CandidateScore, sel keypool.SelectedKey, payload any) (io.ReadCloser, error) {
	return dispatch.DoStream(ctx, a.Client, a.buildRequest(ctx, c, sel, payload))
}
