package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/bed/task"
)

// ScopeName is the instrumentation scope used for bed traces and metrics.
const ScopeName = "github.com/xraph/bed"

// Tracing returns middleware that wraps each attempt in a span from the
// global TracerProvider. Without a configured provider it is a
// pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(ScopeName))
}

// TracingWithTracer returns tracing middleware using the given tracer.
//
// Span attributes: bed.task.id, bed.task.handler, bed.task.resource,
// bed.task.partition, bed.task.attempt, bed.task.trace_id. An incomplete
// attempt sets the span status to codes.Error.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		ctx, span := tracer.Start(ctx, "bed.execute "+t.HandlerType,
			trace.WithAttributes(
				attribute.String("bed.task.id", t.ID),
				attribute.String("bed.task.handler", t.HandlerType),
				attribute.String("bed.task.resource", t.Resource),
				attribute.String("bed.task.partition", t.Partition),
				attribute.Int("bed.task.attempt", t.Attempts+1),
				attribute.String("bed.task.trace_id", t.TraceID),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
