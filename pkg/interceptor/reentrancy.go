package interceptor

import (
	"context"

	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
)

// ReentrancyInterceptor guards against a call looping back into an
// instance that is already executing. It runs inside the ownership lock, so
// the only caller that can find a call in progress is the lock owner itself.
type ReentrancyInterceptor struct {
	reentrant bool
}

// NewReentrancyInterceptor creates the stage. Reentrant components only
// track the call depth.
func NewReentrancyInterceptor(reentrant bool) *ReentrancyInterceptor {
	return &ReentrancyInterceptor{reentrant: reentrant}
}

// Invoke implements Interceptor.
func (r *ReentrancyInterceptor) Invoke(ctx context.Context, inv *Invocation, next Handler) (any, error) {
	inst := inv.Instance

	if r.reentrant {
		inst.EnterInvocation()
		defer inst.ExitInvocation()
		return next(ctx, inv)
	}

	if !inst.TryEnterExclusive() {
		return nil, entityerrors.Newf(entityerrors.ErrorTypeNonReentrant,
			"reentrant call to %s on %s, which is not reentrant", inv.Method, inst).
			WithDetail("method", inv.Method)
	}
	defer inst.ExitInvocation()

	return next(ctx, inv)
}
