package logger

import "context"

type ctxKey struct{}

// IntoContext attaches l to ctx. Run-scoped loggers carrying user/account/run
// fields travel this way instead of through package state.
func IntoContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx or the default logger.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
			return l
		}
	}
	return defaultLogger
}

// With returns a child context whose logger carries the extra fields.
func With(ctx context.Context, fields Fields) context.Context {
	return IntoContext(ctx, FromContext(ctx).WithFields(fields))
}
