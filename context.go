package bed

import "context"

type traceIDKey struct{}

// WithTraceID returns a context carrying the given trace correlation id.
// Submit persists it with the task and the runner re-attaches it to the
// context every execution of that task receives.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFrom returns the trace correlation id carried by ctx, if any.
func TraceIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey{}).(string)
	return v, ok && v != ""
}
