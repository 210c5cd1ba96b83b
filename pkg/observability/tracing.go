// Package observability wires OpenTelemetry tracing and metering for
// entitycore. Prometheus metrics live in pkg/metrics; this package adds
// spans around entity invocations and otel instruments next to them.
package observability

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/entitycore/pkg/logger"
)

var (
	// Global tracer instance
	tracer trace.Tracer

	// Global meter instance
	meter metric.Meter

	// Initialization lock
	initOnce sync.Once
)

// Config contains tracing and logging setup
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
	ExporterType   string    // "stdout" or "none"
	Writer         io.Writer // stdout exporter destination, stderr when nil
	BatchTimeout   time.Duration
	MaxExportBatch int
	MaxQueueSize   int
	LogLevel       string
	LogFormat      string
	LogOutputs     []string // zap output paths, stdout when empty
}

// Initialize sets up tracing, metering and the global logger. Only the
// first call has an effect.
func Initialize(cfg Config) error {
	var err error

	initOnce.Do(func() {
		err = logger.Init(logger.Config{
			Level:       cfg.LogLevel,
			Encoding:    cfg.LogFormat,
			OutputPaths: cfg.LogOutputs,
		})
		if err != nil {
			return
		}

		err = initTracing(cfg)
		if err != nil {
			return
		}

		err = initMetrics(cfg)
		if err != nil {
			return
		}

		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	})

	return err
}

// GetTracer returns the global tracer, falling back to the otel global
// provider before Initialize.
func GetTracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer("entitycore")
	}
	return tracer
}

// GetMeter returns the global meter
func GetMeter() metric.Meter {
	if meter == nil {
		return otel.Meter("entitycore")
	}
	return meter
}

// Span wraps a trace span and batches its attributes until End.
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// NewSpan starts a span on the global tracer.
func NewSpan(ctx context.Context, operationName string) (context.Context, *Span) {
	ctx, span := GetTracer().Start(ctx, operationName)

	return ctx, &Span{
		span:      span,
		startTime: time.Now(),
	}
}

// SetAttribute adds an attribute to the span
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// Finish sets the span status from err.
func (s *Span) Finish(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		return
	}
	s.span.SetStatus(codes.Ok, "")
}

// Duration returns the time since the span started.
func (s *Span) Duration() time.Duration {
	return time.Since(s.startTime)
}

// End flushes the batched attributes and ends the span.
func (s *Span) End() {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}

// ComponentTracer starts spans named after an entity component.
type ComponentTracer struct {
	component string
}

// NewComponentTracer creates a tracer for component.
func NewComponentTracer(component string) *ComponentTracer {
	return &ComponentTracer{component: component}
}

// StartSpan starts a "<component>.<method>" span.
func (ct *ComponentTracer) StartSpan(ctx context.Context, method string) (context.Context, *Span) {
	ctx, span := NewSpan(ctx, ct.component+"."+method)
	span.SetAttribute("entity.component", ct.component)
	span.SetAttribute("entity.method", method)
	return ctx, span
}

// TraceInvocation runs fn inside a span and records the otel invocation
// instruments for it.
func (ct *ComponentTracer) TraceInvocation(ctx context.Context, method string, key interface{}, fn func(ctx context.Context) error) error {
	ctx, span := ct.StartSpan(ctx, method)
	defer span.End()

	if key != nil {
		span.SetAttribute("entity.key", key)
	}

	err := fn(ctx)
	span.Finish(err)
	RecordInvocation(ctx, ct.component, method, getStatus(err), span.Duration())
	return err
}

// getStatus returns status string for metrics
func getStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
