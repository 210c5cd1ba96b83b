// Package component assembles an entity component: the instance pool, the
// identity cache and the interceptor chains, behind a small typed API.
//
// Example usage:
//
//	accounts, err := component.New("Account", newAccount, cfg,
//	    component.WithTransactions[*Account](txm),
//	    component.WithMethod("Deposit", deposit),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := accounts.Start(ctx); err != nil {
//	    return err
//	}
//	defer accounts.Stop()
//
//	ref, err := accounts.Create(ctx, "acct-1")
//	...
//	_, err = ref.Invoke(ctx, "Deposit", 100)
package component

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/config"
	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/interceptor"
	"github.com/ajitpratap0/entitycore/pkg/metrics"
	"github.com/ajitpratap0/entitycore/pkg/pool"
	"github.com/ajitpratap0/entitycore/pkg/timer"
	"github.com/ajitpratap0/entitycore/pkg/tx"
)

// Method names handled by the pipeline itself rather than by a registered
// business method.
const (
	MethodCreate      = "Create"
	MethodRemove      = "Remove"
	MethodEquals      = "Equals"
	MethodHashCode    = "HashCode"
	MethodIsIdentical = "IsIdentical"
	MethodPrimaryKey  = "PrimaryKey"
)

var identityMethods = map[string]interceptor.MethodKind{
	MethodEquals:      interceptor.KindEquals,
	MethodHashCode:    interceptor.KindHashCode,
	MethodIsIdentical: interceptor.KindIsIdentical,
	MethodPrimaryKey:  interceptor.KindPrimaryKey,
}

// Component manages the instances of one entity type B.
type Component[B any] struct {
	name   string
	config *config.Config

	pool      *entity.InstancePool
	cache     *entity.ReferenceCountingCache
	methods   map[string]Method[B]
	finders   map[string]Finder[B]
	collector *metrics.Collector
	logger    *zap.Logger

	business *interceptor.Chain
	create   *interceptor.Chain
	remove   *interceptor.Chain
	finder   *interceptor.Chain
	identity *interceptor.Chain
}

// New assembles a component named name. cfg may be nil for defaults.
func New[B any](name string, factory Factory[B], cfg *config.Config, opts ...Option[B]) (*Component[B], error) {
	if factory == nil {
		return nil, entityerrors.New(entityerrors.ErrorTypeConfig, "bean factory is required")
	}
	if cfg == nil {
		cfg = config.NewDefaultConfig(name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Cache.IsBounded() || cfg.Cache.AgesOut() {
		// evicted identities come back through Activate
		if _, ok := any(*new(B)).(entity.Activator); !ok {
			return nil, entityerrors.Newf(entityerrors.ErrorTypeConfig,
				"cache eviction is configured but %T does not implement entity.Activator", *new(B))
		}
	}

	o := &options[B]{
		methods: make(map[string]Method[B]),
		finders: make(map[string]Finder[B]),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = tx.NoTransactions{}
	}
	if o.timers == nil {
		o.timers = timer.NopCanceller{}
	}
	if o.collector == nil && cfg.Observability.EnableMetrics {
		o.collector = metrics.NewCollector(name)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	for method := range o.methods {
		if _, reserved := identityMethods[method]; reserved || method == MethodCreate || method == MethodRemove {
			return nil, entityerrors.Newf(entityerrors.ErrorTypeConfig, "method name %q is reserved", method)
		}
	}

	log := o.logger.With(zap.String("component", name))
	beans := func(ctx context.Context) (any, error) {
		return factory(ctx)
	}

	instances := entity.NewInstancePool(name, beans, cfg.Pool, o.collector, log)
	cache, err := entity.NewReferenceCountingCache(name, instances, cfg.Cache, o.collector, log)
	if err != nil {
		return nil, err
	}

	c := &Component[B]{
		name:      name,
		config:    cfg,
		pool:      instances,
		cache:     cache,
		methods:   o.methods,
		finders:   o.finders,
		collector: o.collector,
		logger:    log,
	}

	observe := interceptor.NewObservabilityInterceptor(name, o.collector, log)
	associate := interceptor.NewAssociationInterceptor(cache)
	synchronize := interceptor.NewSynchronizationInterceptor(o.registry, cache, cfg.Locking.AcquireTimeout, o.collector, log)
	guard := interceptor.NewReentrancyInterceptor(cfg.Locking.Reentrant)
	dispatch := interceptor.NewDispatchInterceptor(cache, o.registry, o.classify, log)

	c.business = interceptor.NewChain("business", observe, associate, synchronize, guard, dispatch)
	c.create = interceptor.NewChain("create", observe,
		interceptor.NewCreateInterceptor(instances, cache, o.registry, o.classify, log),
		synchronize, guard, dispatch)
	c.remove = interceptor.NewChain("remove", observe, associate, synchronize, guard,
		interceptor.NewRemoveInterceptor(o.timers, log), dispatch)
	c.finder = interceptor.NewChain("finder", observe, interceptor.NewFinderInterceptor(instances), dispatch)
	c.identity = interceptor.NewChain("identity", interceptor.IdentityInterceptor{})

	return c, nil
}

// Name returns the component name.
func (c *Component[B]) Name() string {
	return c.name
}

// Start prefills the pool and starts the cache sweeper.
func (c *Component[B]) Start(ctx context.Context) error {
	if n := c.config.Pool.Prefill; n > 0 {
		if err := c.pool.Prefill(ctx, n); err != nil {
			return fmt.Errorf("prefilling %s pool: %w", c.name, err)
		}
	}
	c.cache.Start()
	c.logger.Info("component started",
		zap.Int("prefill", c.config.Pool.Prefill),
		zap.Bool("reentrant", c.config.Locking.Reentrant))
	return nil
}

// Stop stops the sweeper and destroys idle pooled instances. Cached
// instances stay where they are.
func (c *Component[B]) Stop() {
	c.cache.Stop()
	c.pool.Close()
	c.logger.Info("component stopped")
}

// Create runs the bean's Create and PostCreate hooks and returns a
// reference to the new identity.
func (c *Component[B]) Create(ctx context.Context, args ...any) (*Ref[B], error) {
	inv := interceptor.AcquireInvocation(c.name, MethodCreate, interceptor.KindCreate)
	defer interceptor.ReleaseInvocation(inv)
	inv.Args = args
	inv.Target = postCreate

	res, err := c.create.Invoke(ctx, inv)
	if err != nil {
		return nil, err
	}
	return &Ref[B]{component: c, key: res}, nil
}

func postCreate(ctx context.Context, inv *interceptor.Invocation) (any, error) {
	if pc, ok := inv.Instance.Bean().(entity.PostCreator); ok {
		return nil, pc.PostCreate(ctx, inv.Args...)
	}
	return nil, nil
}

func removeTarget(ctx context.Context, inv *interceptor.Invocation) (any, error) {
	if r, ok := inv.Instance.Bean().(entity.Remover); ok {
		return nil, r.Remove(ctx)
	}
	return nil, nil
}

// Find runs a registered finder and returns references to the identities
// it found. Nothing is loaded into the cache.
func (c *Component[B]) Find(ctx context.Context, finder string, args ...any) ([]*Ref[B], error) {
	fn, ok := c.finders[finder]
	if !ok {
		return nil, entityerrors.Newf(entityerrors.ErrorTypeValidation, "%s has no finder %q", c.name, finder)
	}

	inv := interceptor.AcquireInvocation(c.name, finder, interceptor.KindFinder)
	defer interceptor.ReleaseInvocation(inv)
	inv.Args = args
	inv.Target = func(ctx context.Context, inv *interceptor.Invocation) (any, error) {
		return fn(ctx, inv.Instance.Bean().(B), inv.Args...)
	}

	res, err := c.finder.Invoke(ctx, inv)
	if err != nil {
		return nil, err
	}

	keys, _ := res.([]entity.PrimaryKey)
	refs := make([]*Ref[B], 0, len(keys))
	for _, key := range keys {
		ref, err := c.Ref(key)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Ref returns a reference to key without checking that it exists; calls
// through the reference fail with not_found when it does not.
func (c *Component[B]) Ref(key entity.PrimaryKey) (*Ref[B], error) {
	if err := entity.ValidateKey(key); err != nil {
		return nil, err
	}
	return &Ref[B]{component: c, key: key}, nil
}

// Pool returns the instance pool.
func (c *Component[B]) Pool() *entity.InstancePool {
	return c.pool
}

// Cache returns the instance cache.
func (c *Component[B]) Cache() *entity.ReferenceCountingCache {
	return c.cache
}

// Stats reports the component's pool, cache and event counters.
type Stats struct {
	Component   string            `json:"component"`
	Pool        pool.BoundedStats `json:"pool"`
	Cache       entity.CacheStats `json:"cache"`
	Invocations pool.Stats        `json:"invocation_pool"`
	Counts      map[string]int64  `json:"counts,omitempty"`
}

// Stats returns a snapshot of the component statistics.
func (c *Component[B]) Stats() Stats {
	return Stats{
		Component:   c.name,
		Pool:        c.pool.Stats(),
		Cache:       c.cache.Stats(),
		Invocations: interceptor.InvocationStats(),
		Counts:      c.collector.Counts(),
	}
}
