package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/llmgateway/internal/cache"
	"github.com/jordanhubbard/llmgateway/internal/catalog"
	"github.com/jordanhubbard/llmgateway/internal/coordinator"
	"github.com/jordanhubbard/llmgateway/internal/dispatch"
	"github.com/jordanhubbard/llmgateway/internal/events"
	"github.com/jordanhubbard/llmgateway/internal/health"
	"github.com/jordanhubbard/llmgateway/internal/keypool"
	"github.com/jordanhubbard/llmgateway/internal/metrics"
	"github.com/jordanhubbard/llmgateway/internal/retry"
	"github.com/jordanhubbard/llmgateway/internal/routestats"
	"github.com/jordanhubbard/llmgateway/internal/scheduler"
	"github.com/jordanhubbard/llmgateway/internal/session"
	"github.com/jordanhubbard/llmgateway/internal/store"
	"github.com/jordanhubbard/llmgateway/internal/vault"
)

// fakeDispatcher drives the retry engine from canned per-provider outcomes,
// letting a test force a stream failure after the first chunk without a
// real upstream.
type fakeDispatcher struct {
	responses map[string][]dispatchOutcome
	calls     map[string]int
}

type dispatchOutcome struct {
	result    dispatch.Result
	err       error
	stream    string
	streamErr error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{responses: map[string][]dispatchOutcome{}, calls: map[string]int{}}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, c scheduler.CandidateScore, _ keypool.SelectedKey, _ any) (dispatch.Result, error) {
	outs := f.responses[c.Upstream.ProviderID]
	idx := f.calls[c.Upstream.ProviderID]
	f.calls[c.Upstream.ProviderID]++
	if idx >= len(outs) {
		idx = len(outs) - 1
	}
	o := outs[idx]
	return o.result, o.err
}

func (f *fakeDispatcher) DispatchStream(_ context.Context, c scheduler.CandidateScore, _ keypool.SelectedKey, _ any) (io.ReadCloser, error) {
	outs := f.responses[c.Upstream.ProviderID]
	idx := f.calls[c.Upstream.ProviderID]
	f.calls[c.Upstream.ProviderID]++
	if idx >= len(outs) {
		idx = len(outs) - 1
	}
	o := outs[idx]
	if o.streamErr != nil {
		return nil, o.streamErr
	}
	return io.NopCloser(strings.NewReader(o.stream)), nil
}

// newTestServer mounts the full external HTTP surface over a Coordinator
// wired to the given fake dispatcher, with a single logical model "chat"
// routed to the given provider ids.
func newTestServer(t *testing.T, d retry.Dispatcher, providerIDs ...string) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	v, err := vault.New(true)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	if err := v.Unlock([]byte("test-password-123")); err != nil {
		t.Fatalf("vault.Unlock: %v", err)
	}

	upstreams := make([]store.UpstreamRecord, 0, len(providerIDs))
	for _, id := range providerIDs {
		if err := st.UpsertProvider(ctx, store.ProviderRecord{
			ID:        id,
			Name:      id,
			Type:      "openai",
			Enabled:   true,
			CredStore: "vault",
			Keys:      []store.ProviderKeyRecord{{Label: "default", Weight: 1}},
		}); err != nil {
			t.Fatalf("UpsertProvider(%s): %v", id, err)
		}
		if err := v.Set(catalog.VaultKeyName(id, "default"), "sk-test-"+id); err != nil {
			t.Fatalf("vault.Set(%s): %v", id, err)
		}
		upstreams = append(upstreams, store.UpstreamRecord{ProviderID: id, ModelID: "m1", BaseWeight: 1})
	}
	if err := st.UpsertLogicalModel(ctx, store.LogicalModelRecord{
		LogicalID: "chat",
		Strategy:  string(scheduler.StrategyBalanced),
		Enabled:   true,
		Upstreams: upstreams,
	}); err != nil {
		t.Fatalf("UpsertLogicalModel: %v", err)
	}

	c := cache.NewMemoryCache(0)
	cat := catalog.New(st, c, v)
	kp := keypool.New(c)
	engine := retry.New(c, kp, d, cat.KeysForProvider, retry.DefaultConfig())
	tracker := health.NewTracker(health.DefaultConfig())
	routeStats := routestats.NewStore()
	sessions := session.NewStore(c)
	coord := coordinator.New(cat, routeStats, tracker, sessions, engine, nil, nil, nil, coordinator.Config{}, nil)

	r := chi.NewRouter()
	MountRoutes(r, Dependencies{
		Coordinator: coord,
		Catalog:     cat,
		Store:       st,
		Vault:       v,
		Metrics:     metrics.New(),
		Health:      tracker,
		RouteStats:  routeStats,
		EventBus:    events.NewBus(),
	})
	return httptest.NewServer(r)
}

func TestChatHandlerNonStreamSuccess(t *testing.T) {
	d := newFakeDispatcher()
	d.responses["p1"] = []dispatchOutcome{{result: dispatch.Result{Status: 200, Body: []byte(`{"ok":true}`)}}}
	ts := newTestServer(t, d, "p1")
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v2/chat/completions", "application/json", bytes.NewReader([]byte(`{"model":"chat"}`)))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", resp.StatusCode, body)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %q", body)
	}
}

func TestChatHandlerNonStreamAllProvidersFailed(t *testing.T) {
	d := newFakeDispatcher()
	d.responses["a"] = []dispatchOutcome{{result: dispatch.Result{Status: 503, Retryable: true}, err: &dispatch.StatusError{StatusCode: 503}}}
	ts := newTestServer(t, d, "a")
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v2/chat/completions", "application/json", bytes.NewReader([]byte(`{"model":"chat"}`)))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502, body = %s", resp.StatusCode, body)
	}

	var decoded struct {
		Error struct {
			Kind   string `json:"kind"`
			Detail string `json:"detail"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("json.Unmarshal: %v, body = %s", err, body)
	}
	if decoded.Error.Kind != "all_providers_failed" {
		t.Fatalf("Kind = %q, want all_providers_failed", decoded.Error.Kind)
	}
	if !strings.Contains(decoded.Error.Detail, "logical model 'chat'") {
		t.Fatalf("Detail = %q, want it to name the logical model", decoded.Error.Detail)
	}
}

func TestChatHandlerUnknownModel(t *testing.T) {
	d := newFakeDispatcher()
	ts := newTestServer(t, d)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v2/chat/completions", "application/json", bytes.NewReader([]byte(`{"model":"nope"}`)))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestChatHandlerMissingModelField(t *testing.T) {
	d := newFakeDispatcher()
	ts := newTestServer(t, d)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v2/chat/completions", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatHandlerStreamSuccess(t *testing.T) {
	d := newFakeDispatcher()
	d.responses["p1"] = []dispatchOutcome{{stream: "data: hello\n\n"}}
	ts := newTestServer(t, d, "p1")
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v2/chat/completions", "application/json", bytes.NewReader([]byte(`{"model":"chat","stream":true}`)))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", resp.Header.Get("Content-Type"))
	}
	if string(body) != "data: data: hello\n\n\n\n" {
		t.Fatalf("body = %q", body)
	}
}

// failAfterReader yields one chunk of data, then a read error, simulating a
// connection that drops mid-stream after the client has already received
// output.
type failAfterReader struct {
	data []byte
	sent bool
	err  error
}

func (r *failAfterReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		n := copy(p, r.data)
		return n, nil
	}
	return 0, r.err
}

func (r *failAfterReader) Close() error { return nil }

type midStreamFailDispatcher struct{}

func (midStreamFailDispatcher) Dispatch(context.Context, scheduler.CandidateScore, keypool.SelectedKey, any) (dispatch.Result, error) {
	return dispatch.Result{}, nil
}

func (midStreamFailDispatcher) DispatchStream(context.Context, scheduler.CandidateScore, keypool.SelectedKey, any) (io.ReadCloser, error) {
	return &failAfterReader{data: []byte("partial-chunk"), err: io.ErrUnexpectedEOF}, nil
}

// TestChatHandlerStreamFailureAfterFirstChunkEmitsRawSyntheticEvent is the
// regression test for the double-JSON-wrapping bug: once a chunk has been
// sent, a later read failure on that same candidate must reach the client
// as the single preformatted SSE line the retry engine already built, not
// re-escaped into an "event: error" envelope.
func TestChatHandlerStreamFailureAfterFirstChunkEmitsRawSyntheticEvent(t *testing.T) {
	ts := newTestServer(t, midStreamFailDispatcher{}, "p1")
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v2/chat/completions", "application/json", bytes.NewReader([]byte(`{"model":"chat","stream":true}`)))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if strings.Contains(string(body), "event: error") {
		t.Fatalf("body = %q, must not contain the spurious \"event: error\" prefix", body)
	}
	if strings.Contains(string(body), `"error":"data:`) {
		t.Fatalf("body = %q, synthetic SSE line must not be re-quoted as a JSON string", body)
	}
}

func TestChatHandlerStreamAllProvidersFailedEmitsStructuredEvent(t *testing.T) {
	d := newFakeDispatcher()
	d.responses["a"] = []dispatchOutcome{{streamErr: &dispatch.StatusError{StatusCode: 500}}}
	ts := newTestServer(t, d, "a")
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v2/chat/completions", "application/json", bytes.NewReader([]byte(`{"model":"chat","stream":true}`)))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	const prefix = "data: "
	line := strings.TrimSpace(string(body))
	if !strings.HasPrefix(line, prefix) {
		t.Fatalf("body = %q, want it to start with %q", body, prefix)
	}

	var decoded struct {
		Error struct {
			Type         string `json:"type"`
			LogicalModel string `json:"logical_model"`
			Skipped      int    `json:"skipped"`
			Tried        int    `json:"tried"`
			LastStatus   int    `json:"last_status"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, prefix)), &decoded); err != nil {
		t.Fatalf("json.Unmarshal: %v, line = %q", err, line)
	}
	if decoded.Error.Type != "all_providers_failed" {
		t.Fatalf("Type = %q, want all_providers_failed", decoded.Error.Type)
	}
	if decoded.Error.LogicalModel != "chat" {
		t.Fatalf("LogicalModel = %q, want chat", decoded.Error.LogicalModel)
	}
	if decoded.Error.Tried != 1 {
		t.Fatalf("Tried = %d, want 1", decoded.Error.Tried)
	}
	if decoded.Error.LastStatus != 500 {
		t.Fatalf("LastStatus = %d, want 500", decoded.Error.LastStatus)
	}
}

func TestHealthzHandlerReportsConfiguredCounts(t *testing.T) {
	d := newFakeDispatcher()
	ts := newTestServer(t, d, "p1")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["providers_total"] != float64(1) {
		t.Fatalf("providers_total = %v, want 1", decoded["providers_total"])
	}
}

func TestAdminRouteRejectedWithoutToken(t *testing.T) {
	d := newFakeDispatcher()
	ts := newTestServer(t, d)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/admin/v1/providers")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (admin API not configured in this test server)", resp.StatusCode)
	}
}
