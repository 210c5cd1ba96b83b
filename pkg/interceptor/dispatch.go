package interceptor

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/tx"
)

// ErrorClassifier reports whether a business error is an application error
// the instance survives. It extends, never narrows, the built-in
// classification of entityerrors.IsRecoverable.
type ErrorClassifier func(err error) bool

func recoverable(classify ErrorClassifier, err error) bool {
	if entityerrors.IsRecoverable(err) {
		return true
	}
	return classify != nil && classify(err)
}

// DispatchInterceptor is the terminal stage: it runs the business method.
// Application errors pass through untouched. Any other error, or a panic,
// discards the instance and dooms the ambient transaction.
type DispatchInterceptor struct {
	cache    entity.InstanceCache
	registry tx.Registry
	classify ErrorClassifier
	logger   *zap.Logger
}

// NewDispatchInterceptor creates the stage. classify may be nil.
func NewDispatchInterceptor(cache entity.InstanceCache, registry tx.Registry, classify ErrorClassifier, logger *zap.Logger) *DispatchInterceptor {
	if registry == nil {
		registry = tx.NoTransactions{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispatchInterceptor{
		cache:    cache,
		registry: registry,
		classify: classify,
		logger:   logger,
	}
}

// Invoke implements Interceptor.
func (d *DispatchInterceptor) Invoke(ctx context.Context, inv *Invocation, _ Handler) (result any, err error) {
	if inv.Target == nil {
		return nil, entityerrors.Newf(entityerrors.ErrorTypeIllegalState,
			"%s.%s has no target", inv.Component, inv.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, entityerrors.FromPanic(r)
			d.fault(ctx, inv, err)
		}
	}()

	result, err = inv.Target(ctx, inv)
	if err != nil && !recoverable(d.classify, err) {
		d.fault(ctx, inv, err)
	}
	return result, err
}

// fault takes the instance out of circulation. An associated instance is
// evicted and destroyed now; a borrowed one is flagged so that the stage
// that borrowed it destroys it instead of pooling it.
func (d *DispatchInterceptor) fault(ctx context.Context, inv *Invocation, err error) {
	if inst := inv.Instance; inst != nil {
		if inst.State() == entity.StateAssociated {
			d.cache.Discard(inst)
		} else {
			inst.MarkDiscarded()
		}
	}

	if _, ok := d.registry.CurrentTransactionKey(ctx); ok {
		if rerr := d.registry.SetRollbackOnly(ctx); rerr != nil {
			d.logger.Warn("could not mark transaction rollback-only", zap.Error(rerr))
		}
	}

	d.logger.Warn("business method failed, instance discarded",
		zap.String("method", inv.Method),
		zap.Any("key", inv.Key),
		zap.Error(err))
}
