package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	instrumentsMu      sync.Mutex
	invocationCounter  metric.Int64Counter
	invocationDuration metric.Float64Histogram
)

func newInstruments(m metric.Meter) error {
	counter, err := m.Int64Counter("entitycore.invocations",
		metric.WithDescription("Entity invocations by component, method and status"))
	if err != nil {
		return err
	}
	duration, err := m.Float64Histogram("entitycore.invocation.duration",
		metric.WithDescription("Entity invocation latency"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}

	instrumentsMu.Lock()
	invocationCounter, invocationDuration = counter, duration
	instrumentsMu.Unlock()
	return nil
}

func instruments() (metric.Int64Counter, metric.Float64Histogram) {
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()
	return invocationCounter, invocationDuration
}

// RecordInvocation records one invocation on the otel instruments. It is a
// no-op before Initialize.
func RecordInvocation(ctx context.Context, component, method, status string, d time.Duration) {
	counter, duration := instruments()
	if counter == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("method", method),
		attribute.String("status", status),
	)
	counter.Add(ctx, 1, attrs)
	duration.Record(ctx, d.Seconds(), attrs)
}
