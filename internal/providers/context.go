package providers

import "context"

type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// WithRequestID returns a context carrying the HTTP request id so provider
// calls can forward it as X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID extracts the request id from context, or "" if unset.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
