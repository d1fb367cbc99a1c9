// Package observability records task lifecycle metrics through the
// OpenTelemetry metric API. Register the extension with the engine to
// count submissions, successes, retries, give-ups and unrecognized tasks.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/bed/ext"
	"github.com/xraph/bed/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.TaskSubmitted    = (*MetricsExtension)(nil)
	_ ext.TaskSucceeded    = (*MetricsExtension)(nil)
	_ ext.TaskRetrying     = (*MetricsExtension)(nil)
	_ ext.TaskFailed       = (*MetricsExtension)(nil)
	_ ext.TaskUnrecognized = (*MetricsExtension)(nil)
)

// MetricsExtension counts lifecycle events. Every counter carries the
// handler and resource attributes.
type MetricsExtension struct {
	Submitted    metric.Int64Counter
	Succeeded    metric.Int64Counter
	Retried      metric.Int64Counter
	Failed       metric.Int64Counter
	Unrecognized metric.Int64Counter
	RetryDelay   metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter("github.com/xraph/bed/observability"))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on the given
// meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// The OTel API hands back a noop instrument alongside any error.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{task}"))
		return c
	}
	delay, _ := meter.Float64Histogram("bed.task.retry_delay",
		metric.WithDescription("Delay requested by retry decisions in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		Submitted:    counter("bed.task.submitted", "Tasks persisted by submit"),
		Succeeded:    counter("bed.task.succeeded", "Tasks completed by their handler"),
		Retried:      counter("bed.task.retried", "Incomplete attempts scheduled for retry"),
		Failed:       counter("bed.task.failed", "Tasks the retry policy gave up on"),
		Unrecognized: counter("bed.task.unrecognized", "Tasks whose handler or payload could not be resolved"),
		RetryDelay:   delay,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func attrs(t *task.Task) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("handler", t.HandlerType),
		attribute.String("resource", t.Resource),
	)
}

// OnTaskSubmitted implements ext.TaskSubmitted.
func (m *MetricsExtension) OnTaskSubmitted(ctx context.Context, t *task.Task) error {
	m.Submitted.Add(ctx, 1, attrs(t))
	return nil
}

// OnTaskSucceeded implements ext.TaskSucceeded.
func (m *MetricsExtension) OnTaskSucceeded(ctx context.Context, t *task.Task, _ time.Duration) error {
	m.Succeeded.Add(ctx, 1, attrs(t))
	return nil
}

// OnTaskRetrying implements ext.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, t *task.Task, _ int, delay time.Duration) error {
	m.Retried.Add(ctx, 1, attrs(t))
	m.RetryDelay.Record(ctx, delay.Seconds(), attrs(t))
	return nil
}

// OnTaskFailed implements ext.TaskFailed.
func (m *MetricsExtension) OnTaskFailed(ctx context.Context, t *task.Task, _ string) error {
	m.Failed.Add(ctx, 1, attrs(t))
	return nil
}

// OnTaskUnrecognized implements ext.TaskUnrecognized.
func (m *MetricsExtension) OnTaskUnrecognized(ctx context.Context, t *task.Task, _ error) error {
	m.Unrecognized.Add(ctx, 1, attrs(t))
	return nil
}
