// Package reqctx threads a request id through context.Context so it can be
// forwarded to upstream providers and included in logs.
package reqctx

import "context"

type requestIDKeyType struct{}

// RequestIDKey is exported so middleware in other packages can set it directly.
var RequestIDKey = requestIDKeyType{}

// WithRequestID returns a context carrying the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID extracts the request ID from context, or "" if unset.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
