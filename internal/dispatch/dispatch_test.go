package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	res, err := Do(context.Background(), srv.Client(), Request{Endpoint: srv.URL, Payload: map[string]string{"model": "gpt-4o"}})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("Status = %d, want 200", res.Status)
	}
	if string(res.Body) != `{"ok":true}` {
		t.Fatalf("Body = %q", res.Body)
	}
}

func TestDoRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer srv.Close()

	res, err := Do(context.Background(), srv.Client(), Request{Endpoint: srv.URL, Payload: nil})
	if err == nil {
		t.Fatal("expected an error for a 503 response")
	}
	if !res.Retryable {
		t.Fatal("expected 503 to be retryable")
	}
	if res.Status != 503 {
		t.Fatalf("Status = %d, want 503", res.Status)
	}
}

func TestDoNonRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	res, err := Do(context.Background(), srv.Client(), Request{Endpoint: srv.URL, Payload: nil})
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	if res.Retryable {
		t.Fatal("expected 400 to be non-retryable")
	}
}

func TestDoHeadersForwarded(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := Do(context.Background(), srv.Client(), Request{
		Endpoint: srv.URL,
		Headers:  map[string]string{"Authorization": "Bearer sk-test"},
		Payload:  nil,
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization header = %q, want Bearer sk-test", gotAuth)
	}
}

func TestDoStreamSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: chunk1\n\n"))
	}))
	defer srv.Close()

	body, err := DoStream(context.Background(), srv.Client(), Request{Endpoint: srv.URL, Payload: nil})
	if err != nil {
		t.Fatalf("DoStream failed: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "data: chunk1\n\n" {
		t.Fatalf("data = %q", data)
	}
}

func TestDoStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	_, err := DoStream(context.Background(), srv.Client(), Request{Endpoint: srv.URL, Payload: nil})
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("err type = %T, want *StatusError", err)
	}
	if se.StatusCode != 429 {
		t.Fatalf("StatusCode = %d, want 429", se.StatusCode)
	}
	if se.RetryAfter.Seconds() != 5 {
		t.Fatalf("RetryAfter = %v, want 5s", se.RetryAfter)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := map[int]bool{
		200: false, 400: false, 401: false, 403: false, 404: false,
		408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
	}
	for status, want := range cases {
		if got := Retryable(status); got != want {
			t.Errorf("Retryable(%d) = %v, want %v", status, got, want)
		}
	}
}
