package middleware

import "context"

type contextKey string

const (
	// RequestIDKey holds the request id in the request context.
	RequestIDKey contextKey = "request_id"

	// RequestIDHeader carries the request id on requests and responses.
	RequestIDHeader = "X-Request-ID"

	maxRequestIDLength = 128
)

// GetRequestID returns the request id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
