package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jordanhubbard/llmgateway/internal/coordinator"
	"github.com/jordanhubbard/llmgateway/internal/retry"
)

// apiStyle tags which of the three inbound envelopes a request arrived
// through, for logging only: the coordinator itself is envelope-agnostic
// and every envelope carries the logical model id under "model".
type apiStyle string

const (
	styleOpenAI    apiStyle = "openai"
	styleResponses apiStyle = "responses"
	styleClaude    apiStyle = "claude"
)

// ChatHandler builds one of the three /v2 entry points. All three decode the
// body as a generic JSON object, pull the logical model id and stream flag,
// and hand off to the RequestCoordinator (C9); they differ only in which
// wire envelope the client used to reach this route.
func ChatHandler(d Dependencies, style apiStyle) http.HandlerFunc {
	_ = style
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}

		logicalModel, _ := payload["model"].(string)
		if logicalModel == "" {
			jsonError(w, "request body must set \"model\" to a logical model id", http.StatusBadRequest)
			return
		}

		sessionID := r.Header.Get("X-Session-Id")
		idemKey := r.Header.Get("Idempotency-Key")
		reqID := middleware.GetReqID(r.Context())

		stream, _ := payload["stream"].(bool)
		if !stream {
			for _, v := range r.Header.Values("Accept") {
				if v == "text/event-stream" {
					stream = true
					break
				}
			}
		}

		if stream {
			events, err := d.Coordinator.HandleStream(r.Context(), payload, logicalModel, sessionID, idemKey)
			if err != nil {
				writeRouteError(w, err)
				return
			}
			streamSSE(w, events, reqID)
			return
		}

		resp, err := d.Coordinator.Handle(r.Context(), payload, logicalModel, sessionID, idemKey)
		if err != nil {
			writeRouteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
	}
}

func streamSSE(w http.ResponseWriter, events <-chan retry.StreamEvent, reqID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-Id", reqID)
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		if ev.Err != nil {
			var allFailed *retry.ErrAllProvidersFailed
			if errors.As(ev.Err, &allFailed) {
				writeAllProvidersFailedEvent(w, allFailed)
				flusher.Flush()
				continue
			}
			// Per-candidate synthetic errors arrive from the retry engine as
			// a complete, already-formatted SSE line; write it verbatim.
			_, _ = io.WriteString(w, ev.Err.Error())
			flusher.Flush()
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(ev.Data)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

// writeAllProvidersFailedEvent emits the aggregate-failure SSE chunk the
// external interface documents: a single "all_providers_failed" event
// carrying the same structured fields as the non-streaming error body.
func writeAllProvidersFailedEvent(w http.ResponseWriter, apf *retry.ErrAllProvidersFailed) {
	lastError := ""
	if apf.LastError != nil {
		lastError = apf.LastError.Error()
	}
	body, err := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":          "all_providers_failed",
			"logical_model": apf.LogicalModel,
			"skipped":       apf.SkippedCount,
			"tried":         apf.TriedCount,
			"last_status":   apf.LastStatus,
			"last_error":    lastError,
		},
	})
	if err != nil {
		_, _ = io.WriteString(w, "data: {\"error\":{\"type\":\"all_providers_failed\"}}\n\n")
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(body)
	_, _ = w.Write([]byte("\n\n"))
}

// routeErrorStatus maps a coordinator.RouteError's Kind to the HTTP status
// the external interface contract assigns it.
func routeErrorStatus(kind coordinator.Kind) int {
	switch kind {
	case coordinator.KindLogicalModelMissing:
		return http.StatusNotFound
	case coordinator.KindNoUpstreams, coordinator.KindNoAvailableKey:
		return http.StatusServiceUnavailable
	case coordinator.KindModerationDenied:
		return http.StatusBadRequest
	case coordinator.KindUpstreamError, coordinator.KindUpstreamStreamError, coordinator.KindAllProvidersFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeRouteError(w http.ResponseWriter, err error) {
	var re *coordinator.RouteError
	if errors.As(err, &re) {
		status := routeErrorStatus(re.Kind)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"kind":   string(re.Kind),
				"detail": re.Message,
			},
		})
		return
	}
	jsonError(w, err.Error(), http.StatusInternalServerError)
}

// jsonError writes a JSON-encoded error response.
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
