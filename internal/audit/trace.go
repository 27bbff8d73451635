package audit

import "context"

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// WithTraceID кладет сквозной ID запроса в контекст.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceID безопасно достает ID в любом месте кода.
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000"
}
