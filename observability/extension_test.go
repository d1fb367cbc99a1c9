package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/bed/ext"
	"github.com/xraph/bed/observability"
	"github.com/xraph/bed/task"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func newTestTask() *task.Task {
	return &task.Task{ID: "t-1", HandlerType: "send-email", Resource: "default"}
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("Name() = %q", e.Name())
	}
}

func TestMetricsExtension_CountsThroughRegistry(t *testing.T) {
	e, reader := newTestExtension()
	r := ext.NewRegistry(slog.Default())
	r.Register(e)

	ctx := context.Background()
	tk := newTestTask()
	r.EmitTaskSubmitted(ctx, tk)
	r.EmitTaskSubmitted(ctx, tk)
	r.EmitTaskRetrying(ctx, tk, 1, 30*time.Second)
	r.EmitTaskSucceeded(ctx, tk, time.Millisecond)
	r.EmitTaskFailed(ctx, tk, "gave up")
	r.EmitTaskUnrecognized(ctx, tk, errors.New("no handler"))

	tests := []struct {
		name string
		want int64
	}{
		{"bed.task.submitted", 2},
		{"bed.task.retried", 1},
		{"bed.task.succeeded", 1},
		{"bed.task.failed", 1},
		{"bed.task.unrecognized", 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, reader, tt.name); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}
