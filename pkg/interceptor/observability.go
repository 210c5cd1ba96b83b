package interceptor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/logger"
	"github.com/ajitpratap0/entitycore/pkg/metrics"
	"github.com/ajitpratap0/entitycore/pkg/observability"
)

// ObservabilityInterceptor traces, counts and logs every invocation. It is
// the outermost stage so that it sees the final outcome.
type ObservabilityInterceptor struct {
	tracer    *observability.ComponentTracer
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewObservabilityInterceptor creates the stage for component. collector
// may be nil.
func NewObservabilityInterceptor(component string, collector *metrics.Collector, log *zap.Logger) *ObservabilityInterceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return &ObservabilityInterceptor{
		tracer:    observability.NewComponentTracer(component),
		collector: collector,
		logger:    log,
	}
}

// Invoke implements Interceptor.
func (o *ObservabilityInterceptor) Invoke(ctx context.Context, inv *Invocation, next Handler) (any, error) {
	start := time.Now()
	ctx = logger.WithInvocation(ctx, inv.ID, inv.Component)

	var result any
	err := o.tracer.TraceInvocation(ctx, inv.Method, inv.Key, func(ctx context.Context) error {
		var err error
		result, err = next(ctx, inv)
		return err
	})

	elapsed := time.Since(start)
	outcome := metrics.OutcomeOf(err)
	o.collector.InvocationCompleted(inv.Method, outcome, elapsed)

	log := logger.Enrich(ctx, o.logger)
	fields := []zap.Field{
		zap.String("method", inv.Method),
		zap.Stringer("kind", inv.Kind),
		zap.Any("key", inv.Key),
		zap.Duration("duration", elapsed),
		zap.String("outcome", outcome),
	}
	if outcome == metrics.OutcomeFault {
		log.Warn("invocation failed", append(fields, zap.Error(err))...)
	} else if ce := log.Check(zap.DebugLevel, "invocation completed"); ce != nil {
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		ce.Write(fields...)
	}

	return result, err
}
