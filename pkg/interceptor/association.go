package interceptor

import (
	"context"

	"github.com/ajitpratap0/entitycore/pkg/entity"
)

// AssociationInterceptor resolves the invocation's key to the cached
// instance and pins it for the duration of the call.
type AssociationInterceptor struct {
	cache entity.InstanceCache
}

// NewAssociationInterceptor creates the stage.
func NewAssociationInterceptor(cache entity.InstanceCache) *AssociationInterceptor {
	return &AssociationInterceptor{cache: cache}
}

// Invoke implements Interceptor. A nil, unknown or removed key fails with a
// not_found error before anything else runs.
func (a *AssociationInterceptor) Invoke(ctx context.Context, inv *Invocation, next Handler) (any, error) {
	if err := entity.ValidateKey(inv.Key); err != nil {
		return nil, err
	}

	inst, err := a.cache.Get(ctx, inv.Key)
	if err != nil {
		return nil, err
	}
	inv.Instance = inst
	defer a.cache.Release(inst, true)

	return next(ctx, inv)
}
