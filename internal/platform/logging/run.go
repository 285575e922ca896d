package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type runKey struct{}

// ForRun tags l with runID and the trace id of the span in ctx, and returns a
// context carrying the tagged logger.
func ForRun(ctx context.Context, l *zap.Logger, runID string) (context.Context, *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	l = l.With(zap.String("run_id", runID))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With(zap.String("trace_id", sc.TraceID().String()))
	}
	return context.WithValue(ctx, runKey{}, l), l
}

// Stage returns the run logger in ctx tagged with stage and, when ctx holds a
// recording span, its span id.
func Stage(ctx context.Context, stage string) *zap.Logger {
	l := runLogger(ctx).With(zap.String("stage", stage))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With(zap.String("span_id", sc.SpanID().String()))
	}
	return l
}

func runLogger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(runKey{}).(*zap.Logger); ok {
			return l
		}
	}
	return zap.NewNop()
}
