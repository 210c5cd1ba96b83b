package interceptor

import (
	"context"

	"github.com/ajitpratap0/entitycore/pkg/entity"
)

// FinderInterceptor runs lookups on an instance borrowed from the pool,
// never on a cached one, and always hands it back.
type FinderInterceptor struct {
	pool *entity.InstancePool
}

// NewFinderInterceptor creates the stage.
func NewFinderInterceptor(pool *entity.InstancePool) *FinderInterceptor {
	return &FinderInterceptor{pool: pool}
}

// Invoke implements Interceptor. A borrowed instance the dispatch stage
// flagged as discarded is destroyed by the pool instead of being reused.
func (f *FinderInterceptor) Invoke(ctx context.Context, inv *Invocation, next Handler) (any, error) {
	inst, err := f.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	inv.Instance = inst
	defer f.pool.Release(inst)

	return next(ctx, inv)
}
