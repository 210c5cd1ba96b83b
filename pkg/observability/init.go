package observability

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ajitpratap0/entitycore/pkg/config"
	"github.com/ajitpratap0/entitycore/pkg/logger"
)

// initTracing initializes the tracing provider
func initTracing(cfg Config) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	// Configure sampling
	var sampler sdktrace.Sampler
	if cfg.SamplingRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else if cfg.SamplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	switch cfg.ExporterType {
	case "none":
	case "stdout", "":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatch),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
		))
	default:
		return fmt.Errorf("unsupported trace exporter %q", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(cfg.ServiceName)

	return nil
}

// initMetrics binds the meter used for the otel invocation instruments.
// Prometheus collection lives in pkg/metrics.
func initMetrics(cfg Config) error {
	meter = otel.Meter(cfg.ServiceName)
	return newInstruments(meter)
}

// DefaultConfig returns a default observability configuration
func DefaultConfig() Config {
	return Config{
		ServiceName:    "entitycore",
		ServiceVersion: "dev",
		Environment:    getEnv("ENVIRONMENT", "development"),
		SamplingRate:   0.1,
		ExporterType:   getEnv("TRACING_EXPORTER", "stdout"),
		BatchTimeout:   5 * time.Second,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
	}
}

// FromConfig derives the observability setup from the application config.
// Tracing disabled in cfg maps to the "none" exporter.
func FromConfig(cfg *config.Config) Config {
	out := DefaultConfig()
	out.ServiceName = cfg.Name
	out.ServiceVersion = cfg.Version
	out.SamplingRate = cfg.Observability.TracingSampleRate
	out.LogLevel = cfg.Observability.LogLevel
	out.LogFormat = cfg.Observability.LogFormat
	if !cfg.Observability.EnableTracing {
		out.ExporterType = "none"
	}
	return out
}

// getEnv gets environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Shutdown flushes pending spans and syncs the global logger.
func Shutdown(ctx context.Context) error {
	var errs []error

	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
		}
	}

	if err := logger.Sync(); err != nil {
		// See: https://github.com/uber-go/zap/issues/328
		errStr := err.Error()
		if !strings.Contains(errStr, "bad file descriptor") &&
			!strings.Contains(errStr, "invalid argument") &&
			!strings.Contains(errStr, "/dev/stdout") &&
			!strings.Contains(errStr, "/dev/stderr") {
			errs = append(errs, fmt.Errorf("failed to sync logger: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
