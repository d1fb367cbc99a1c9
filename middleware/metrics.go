package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/bed/task"
)

// Metrics returns middleware that records attempt metrics with the global
// MeterProvider.
//
// Instruments:
//   - bed.task.duration (Float64Histogram, seconds)
//   - bed.task.executions (Int64Counter)
//
// Both carry the handler, resource and outcome ("completed" or
// "incomplete") attributes.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(ScopeName))
}

// MetricsWithMeter returns metrics middleware using the given meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API hands back noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(
		"bed.task.duration",
		metric.WithDescription("Duration of a task attempt in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"bed.task.executions",
		metric.WithDescription("Number of task attempts"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, t *task.Task, next Handler) error {
		start := time.Now()
		err := next(ctx)

		attrs := metric.WithAttributes(
			attribute.String("handler", t.HandlerType),
			attribute.String("resource", t.Resource),
			attribute.String("outcome", outcome(err)),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
