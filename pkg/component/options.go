package component

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/interceptor"
	"github.com/ajitpratap0/entitycore/pkg/metrics"
	"github.com/ajitpratap0/entitycore/pkg/timer"
	"github.com/ajitpratap0/entitycore/pkg/tx"
)

// Factory allocates a new bean.
type Factory[B any] func(ctx context.Context) (B, error)

// Method is a business method of bean type B.
type Method[B any] func(ctx context.Context, bean B, args ...any) (any, error)

// Finder looks up identities using an unassociated bean.
type Finder[B any] func(ctx context.Context, bean B, args ...any) ([]entity.PrimaryKey, error)

// Option configures a Component.
type Option[B any] func(*options[B])

type options[B any] struct {
	methods   map[string]Method[B]
	finders   map[string]Finder[B]
	classify  interceptor.ErrorClassifier
	registry  tx.Registry
	timers    timer.Canceller
	collector *metrics.Collector
	logger    *zap.Logger
}

// WithMethod registers a business method under name.
func WithMethod[B any](name string, fn Method[B]) Option[B] {
	return func(o *options[B]) {
		o.methods[name] = fn
	}
}

// WithFinder registers a finder under name.
func WithFinder[B any](name string, fn Finder[B]) Option[B] {
	return func(o *options[B]) {
		o.finders[name] = fn
	}
}

// WithErrorClassifier marks additional business errors as application
// errors the instance survives.
func WithErrorClassifier[B any](classify interceptor.ErrorClassifier) Option[B] {
	return func(o *options[B]) {
		o.classify = classify
	}
}

// WithTransactions sets the ambient transaction accessor. Without it calls
// never run inside a transaction.
func WithTransactions[B any](registry tx.Registry) Option[B] {
	return func(o *options[B]) {
		o.registry = registry
	}
}

// WithTimers sets the timer service whose timers are cancelled on removal.
func WithTimers[B any](timers timer.Canceller) Option[B] {
	return func(o *options[B]) {
		o.timers = timers
	}
}

// WithCollector sets the metrics collector.
func WithCollector[B any](collector *metrics.Collector) Option[B] {
	return func(o *options[B]) {
		o.collector = collector
	}
}

// WithLogger sets the logger.
func WithLogger[B any](logger *zap.Logger) Option[B] {
	return func(o *options[B]) {
		o.logger = logger
	}
}
