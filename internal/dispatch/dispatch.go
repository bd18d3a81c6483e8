// Package dispatch performs a single HTTP request or streaming request
// against one selected upstream, instrumented with OpenTelemetry spans the
// same way outbound provider calls are instrumented elsewhere in this
// codebase.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/llmgateway/internal/reqctx"
)

// StatusError captures an HTTP status code and body from an upstream
// response, along with any Retry-After hint it carried.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter reads a Retry-After header value (seconds, the only form
// providers in this domain send) and stores it as a duration hint.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
}

// retryableStatuses are upstream HTTP statuses that warrant advancing to the
// next candidate rather than failing the whole request outright.
var retryableStatuses = map[int]bool{
	408: true, 429: true,
	500: true, 501: true, 502: true, 503: true, 504: true,
	505: true, 506: true, 507: true, 508: true, 509: true, 510: true, 511: true,
}

// Retryable reports whether a status code should trigger a retry on the
// next candidate rather than aborting: 408, 429 and any 5xx.
func Retryable(status int) bool {
	return retryableStatuses[status] || (status >= 500 && status <= 599)
}

// Result is what one dispatch attempt reports back to the retry engine.
type Result struct {
	Status    int
	Body      []byte
	Retryable bool // true when the failure (if any) warrants trying the next candidate
}

// Request is everything TransportDispatcher needs for one attempt.
type Request struct {
	Endpoint string
	Headers  map[string]string // includes Authorization from the selected key
	Payload  any                // the body, with model already substituted for the physical model id
}

// Do performs a single non-streaming request.
func Do(ctx context.Context, client *http.Client, req Request) (Result, error) {
	ctx, span := otel.Tracer("llmgateway.dispatch").Start(ctx, "dispatch.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", req.Endpoint)),
	)
	defer span.End()

	body, status, err := do(ctx, client, req, span)
	if err != nil {
		var se *StatusError
		if asStatusError(err, &se) {
			return Result{Status: se.StatusCode, Body: []byte(se.Body), Retryable: Retryable(se.StatusCode)}, err
		}
		// Network/stream-level error with no status: always retryable.
		return Result{Retryable: true}, err
	}
	return Result{Status: status, Body: body}, nil
}

func asStatusError(err error, target **StatusError) bool {
	se, ok := err.(*StatusError)
	if ok {
		*target = se
	}
	return ok
}

func do(ctx context.Context, client *http.Client, r Request, span trace.Span) ([]byte, int, error) {
	jsonData, err := json.Marshal(r.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.Endpoint, bytes.NewReader(jsonData))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range r.Headers {
		httpReq.Header.Set(k, v)
	}
	if reqID := reqctx.GetRequestID(ctx); reqID != "" {
		httpReq.Header.Set("X-Request-ID", reqID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, resp.StatusCode, se
	}

	span.SetStatus(codes.Ok, "")
	return body, resp.StatusCode, nil
}

// DoStream performs a single streaming request and returns the raw response
// body for the caller to read chunks from. The caller must Close() it.
func DoStream(ctx context.Context, client *http.Client, r Request) (io.ReadCloser, error) {
	ctx, span := otel.Tracer("llmgateway.dispatch").Start(ctx, "dispatch.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", r.Endpoint)),
	)

	jsonData, err := json.Marshal(r.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		span.End()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.Endpoint, bytes.NewReader(jsonData))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		span.End()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range r.Headers {
		httpReq.Header.Set(k, v)
	}
	if reqID := reqctx.GetRequestID(ctx); reqID != "" {
		httpReq.Header.Set("X-Request-ID", reqID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		span.End()
		return nil, fmt.Errorf("request failed: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			span.RecordError(fmt.Errorf("read error response: %w", readErr))
			span.SetStatus(codes.Error, "read error response failed")
			span.End()
			return nil, fmt.Errorf("failed to read error response: %w", readErr)
		}
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		span.End()
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return &spanCloser{ReadCloser: resp.Body, span: span}, nil
}

// spanCloser ends the associated OTel span when the wrapped body is closed,
// since the stream is read asynchronously after DoStream returns.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
