package entity

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/config"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/metrics"
	"github.com/ajitpratap0/entitycore/pkg/pool"
)

// BeanFactory allocates a new bean.
type BeanFactory func(ctx context.Context) (any, error)

// InstancePool supplies unassociated instances of one component.
type InstancePool struct {
	component string
	instances *pool.Bounded[*Instance]
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewInstancePool creates the pool of a component. collector may be nil.
func NewInstancePool(component string, factory BeanFactory, cfg config.PoolConfig, collector *metrics.Collector, logger *zap.Logger) *InstancePool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &InstancePool{
		component: component,
		collector: collector,
		logger:    logger.With(zap.String("component", component), zap.String("store", "pool")),
	}

	newInstance := func(ctx context.Context) (*Instance, error) {
		bean, err := factory(ctx)
		if err != nil {
			return nil, entityerrors.Wrap(err, entityerrors.ErrorTypeInternal, "bean factory failed").
				WithDetail("component", component)
		}
		if bean == nil {
			return nil, entityerrors.Newf(entityerrors.ErrorTypeInternal, "bean factory for %s returned nil", component)
		}
		return NewInstance(component, bean), nil
	}

	p.instances = pool.NewBounded(pool.BoundedConfig{Name: component, MaxIdle: cfg.MaxIdle}, newInstance, p.destroy, logger)
	return p
}

// Prefill creates idle instances up to n.
func (p *InstancePool) Prefill(ctx context.Context, n int) error {
	err := p.instances.Prefill(ctx, n)
	p.report()
	return err
}

// Get returns an unassociated instance, allocating one when none is idle.
// The instance is never handed out again before it comes back.
func (p *InstancePool) Get(ctx context.Context) (*Instance, error) {
	inst, _, err := p.instances.Get(ctx)
	if err != nil {
		return nil, err
	}
	inst.transition(StatePooled, StateBorrowed)
	p.report()
	return inst, nil
}

// Release returns a borrowed instance that was never associated or whose
// association failed, resetting its bean. Removed or discarded instances are
// destroyed instead.
func (p *InstancePool) Release(inst *Instance) {
	if inst.IsRemoved() || inst.IsDiscarded() || inst.State() != StateBorrowed {
		p.logger.Debug("destroying instance instead of pooling it",
			zap.Stringer("instance", inst),
			zap.Bool("removed", inst.IsRemoved()),
			zap.Bool("discarded", inst.IsDiscarded()),
			zap.Stringer("state", inst.State()))
		p.Discard(inst)
		return
	}

	inst.transition(StateBorrowed, StatePooled)
	inst.mu.Lock()
	inst.key = nil
	inst.mu.Unlock()
	if r, ok := inst.bean.(Resetter); ok {
		r.Reset()
	}

	p.instances.Put(inst)
	p.report()
}

// Recycle takes back an instance whose association has ended (removed,
// evicted, or created by a rolled back unit of work). The wrapper dies and
// the reset bean goes back to the pool in a fresh instance, so stale
// references to the old instance can never observe the new identity.
func (p *InstancePool) Recycle(inst *Instance) {
	if inst.IsDiscarded() {
		p.Discard(inst)
		return
	}
	if prev := inst.kill(); prev == StateDead {
		return
	}

	if r, ok := inst.bean.(Resetter); ok {
		r.Reset()
	}
	p.instances.Put(NewInstance(p.component, inst.bean))
	p.report()
}

// Discard destroys an instance that must never be reused.
func (p *InstancePool) Discard(inst *Instance) {
	if prev := inst.kill(); prev == StateDead {
		return
	}
	p.instances.Destroy(inst)
	p.collector.Discarded("destroyed")
	p.report()
}

// destroy is the Bounded destroy hook: surplus returns, drains and discards.
func (p *InstancePool) destroy(inst *Instance) {
	inst.kill()
	if d, ok := inst.bean.(Destroyer); ok {
		d.Destroy()
	}
}

// Close destroys every idle instance.
func (p *InstancePool) Close() {
	p.instances.Drain()
	p.report()
}

// Stats returns pool statistics.
func (p *InstancePool) Stats() pool.BoundedStats {
	return p.instances.Stats()
}

func (p *InstancePool) report() {
	if p.collector == nil {
		return
	}
	stats := p.instances.Stats()
	p.collector.PoolOccupancy(stats.Idle, stats.Active)
}
