package consts

import "context"

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// CorrelationIDKey carries the id shared by every event enqueued while
	// processing one message.
	CorrelationIDKey = ContextKey("correlation_id")
)

var (
	errContextCanceled  = context.Canceled
	errDeadlineExceeded = context.DeadlineExceeded
)

// CorrelationID returns the correlation id stored in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID returns a copy of ctx carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}
