package interceptor

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/timer"
)

// RemoveInterceptor wraps remove calls. Once the business remove succeeded
// the instance is flagged removed, which makes the cache evict it for good
// at its last release, and the identity's timers are cancelled.
type RemoveInterceptor struct {
	timers timer.Canceller
	logger *zap.Logger
}

// NewRemoveInterceptor creates the stage. timers may be nil.
func NewRemoveInterceptor(timers timer.Canceller, logger *zap.Logger) *RemoveInterceptor {
	if timers == nil {
		timers = timer.NopCanceller{}
	}
	return &RemoveInterceptor{timers: timers, logger: logger}
}

// Invoke implements Interceptor.
func (r *RemoveInterceptor) Invoke(ctx context.Context, inv *Invocation, next Handler) (any, error) {
	result, err := next(ctx, inv)
	if err != nil {
		return result, err
	}

	inst := inv.Instance
	if !inst.MarkRemoved() {
		return result, nil
	}
	cancelled := r.timers.CancelTimers(inst.Component(), inst.PrimaryKey())
	r.logger.Debug("instance removed",
		zap.Stringer("instance", inst),
		zap.Int("timers_cancelled", cancelled))

	return result, nil
}
