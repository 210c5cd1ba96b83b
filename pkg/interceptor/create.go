package interceptor

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/tx"
)

// CreateInterceptor replaces association for creation calls. It borrows an
// instance from the pool, runs the bean's Create, and registers the
// instance in the cache, locked and pinned, before the rest of the chain
// runs PostCreate. The result of a successful creation is the new key.
type CreateInterceptor struct {
	pool     *entity.InstancePool
	cache    entity.InstanceCache
	registry tx.Registry
	classify ErrorClassifier
	logger   *zap.Logger
}

// NewCreateInterceptor creates the stage. classify may be nil.
func NewCreateInterceptor(pool *entity.InstancePool, cache entity.InstanceCache, registry tx.Registry, classify ErrorClassifier, logger *zap.Logger) *CreateInterceptor {
	if registry == nil {
		registry = tx.NoTransactions{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreateInterceptor{
		pool:     pool,
		cache:    cache,
		registry: registry,
		classify: classify,
		logger:   logger,
	}
}

// Invoke implements Interceptor.
func (c *CreateInterceptor) Invoke(ctx context.Context, inv *Invocation, next Handler) (any, error) {
	inst, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	key, err := c.create(ctx, inst, inv.Args)
	if err != nil {
		if recoverable(c.classify, err) {
			c.pool.Release(inst)
		} else {
			c.pool.Discard(inst)
		}
		return nil, err
	}

	owner, _, inTx := currentOwner(ctx, c.registry)
	l := inst.Lock()
	l.PushOwner(owner)
	if !l.TryLock() {
		l.PopOwner()
		c.pool.Discard(inst)
		return nil, entityerrors.Newf(entityerrors.ErrorTypeIllegalState,
			"borrowed instance %s is locked by %s", inst, l.Holder())
	}

	if err := c.cache.Create(inst); err != nil {
		l.Unlock()
		l.PopOwner()
		c.pool.Release(inst)
		return nil, err
	}
	if inTx {
		inst.MarkCreatePending()
	}
	defer func() {
		c.cache.Release(inst, true)
		l.Unlock()
		l.PopOwner()
	}()

	inv.Key = key
	inv.Instance = inst
	if _, err := next(ctx, inv); err != nil {
		// the caller never learns the key, so the identity is dropped
		if inst.MarkRemoved() {
			c.logger.Debug("creation failed after association",
				zap.Stringer("instance", inst), zap.Error(err))
		}
		return nil, err
	}

	return key, nil
}

// create runs the bean's Create hook and assigns the returned key.
func (c *CreateInterceptor) create(ctx context.Context, inst *entity.Instance, args []any) (key entity.PrimaryKey, err error) {
	creator, ok := inst.Bean().(entity.Creator)
	if !ok {
		return nil, entityerrors.Newf(entityerrors.ErrorTypeIllegalState,
			"%s beans cannot be created", inst.Component())
	}

	defer func() {
		if r := recover(); r != nil {
			key, err = nil, entityerrors.FromPanic(r)
		}
	}()

	key, err = creator.Create(ctx, args...)
	if err != nil {
		return nil, err
	}
	if err := inst.SetPrimaryKey(key); err != nil {
		return nil, err
	}
	return key, nil
}
