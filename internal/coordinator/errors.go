package coordinator

import "fmt"

// Kind tags a RouteError with the failure category the HTTP layer maps to a
// status code, mirroring how provider errors are tagged elsewhere in this
// codebase rather than relying on a Go type assertion alone.
type Kind string

const (
	KindLogicalModelMissing Kind = "logical_model_missing"
	KindNoUpstreams         Kind = "no_upstreams"
	KindNoAvailableKey      Kind = "no_available_key"
	KindUpstreamError       Kind = "upstream_error"
	KindUpstreamStreamError Kind = "upstream_stream_error"
	KindAllProvidersFailed  Kind = "all_providers_failed"
	KindModerationDenied    Kind = "moderation_denied"
	KindInternalError       Kind = "internal_error"
)

// RouteError is the error shape the coordinator returns from Handle and
// HandleStream. The HTTP layer maps Kind to a status code.
type RouteError struct {
	Kind       Kind
	Message    string
	Status     int // upstream status, where applicable (UpstreamError)
	Retryable  bool
	Reason     string // moderation denial reason code, where applicable
	cause      error
}

func (e *RouteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("coordinator: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("coordinator: %s", e.Kind)
}

func (e *RouteError) Unwrap() error { return e.cause }

func newRouteError(kind Kind, cause error) *RouteError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &RouteError{Kind: kind, Message: msg, cause: cause}
}
