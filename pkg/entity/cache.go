package entity

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/pkg/config"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/metrics"
)

// InstanceCache is the identity-keyed directory of associated instances.
type InstanceCache interface {
	// Create registers a newly associated instance, pinned once.
	Create(inst *Instance) error
	// Get pins and returns the instance bound to key.
	Get(ctx context.Context, key PrimaryKey) (*Instance, error)
	// Reference adds a pin.
	Reference(inst *Instance) error
	// Release drops a pin. success=false means the unit of work the pin
	// belonged to did not complete durably.
	Release(inst *Instance, success bool)
	// Discard evicts inst regardless of pins and destroys it.
	Discard(inst *Instance)
}

type cacheEntry struct {
	inst *Instance
	pins int
}

// CacheStats reports cache occupancy and lifetime counters
type CacheStats struct {
	Entries    int   `json:"entries"`
	Pinned     int   `json:"pinned"`
	Idle       int   `json:"idle"`
	Passive    int   `json:"passive"`
	Created    int64 `json:"created"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Removed    int64 `json:"removed"`
	Evicted    int64 `json:"evicted"`
	Activated  int64 `json:"activated"`
	Discarded  int64 `json:"discarded"`
	RolledBack int64 `json:"rolled_back"`
}

// ReferenceCountingCache is an InstanceCache that keeps pinned instances
// forever and tracks unpinned ones in an LRU for capacity and age eviction.
// Evicted instances are passivated and recycled into the pool; their
// identities stay known and are reactivated through the bean's Activator.
type ReferenceCountingCache struct {
	component string
	pool      *InstancePool
	config    config.CacheConfig
	collector *metrics.Collector
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[PrimaryKey]*cacheEntry
	// idle holds unpinned keys and the time they became idle. Every access
	// happens with mu held, so the eviction callback runs under mu too.
	idle    *lru.Cache[PrimaryKey, time.Time]
	evicted []*Instance

	// passive holds evicted identities; activations the ones being rebuilt.
	passive     map[PrimaryKey]struct{}
	activations map[PrimaryKey]chan struct{}
	stats       CacheStats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReferenceCountingCache creates the cache of a component.
func NewReferenceCountingCache(component string, instances *InstancePool, cfg config.CacheConfig, collector *metrics.Collector, logger *zap.Logger) (*ReferenceCountingCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ReferenceCountingCache{
		component: component,
		pool:      instances,
		config:    cfg,
		collector: collector,
		logger:    logger.With(zap.String("component", component), zap.String("store", "cache")),
		entries:   make(map[PrimaryKey]*cacheEntry),

		passive:     make(map[PrimaryKey]struct{}),
		activations: make(map[PrimaryKey]chan struct{}),
	}

	size := cfg.Capacity
	if size <= 0 {
		size = math.MaxInt32
	}
	idle, err := lru.NewWithEvict[PrimaryKey, time.Time](size, c.onEvict)
	if err != nil {
		return nil, entityerrors.Wrap(err, entityerrors.ErrorTypeConfig, "failed to create idle index")
	}
	c.idle = idle
	return c, nil
}

// Start runs the idle age-out sweep when MaxIdleAge is configured.
func (c *ReferenceCountingCache) Start() {
	if !c.config.AgesOut() || c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.sweepLoop(c.stopCh)
}

// Stop ends the sweep.
func (c *ReferenceCountingCache) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	c.stopCh = nil
}

func (c *ReferenceCountingCache) sweepLoop(stopCh chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(time.Now())
		case <-stopCh:
			return
		}
	}
}

// Sweep passivates every instance that has been idle longer than
// MaxIdleAge at now and returns how many were evicted.
func (c *ReferenceCountingCache) Sweep(now time.Time) int {
	if !c.config.AgesOut() {
		return 0
	}

	c.mu.Lock()
	for {
		_, since, ok := c.idle.GetOldest()
		if !ok || now.Sub(since) <= c.config.MaxIdleAge {
			break
		}
		c.idle.RemoveOldest()
	}
	evicted := c.takeEvicted()
	c.mu.Unlock()

	c.passivate(evicted)
	if len(evicted) > 0 {
		c.logger.Info("aged out idle instances",
			zap.Int("evicted", len(evicted)),
			zap.Duration("max_idle_age", c.config.MaxIdleAge))
	}
	return len(evicted)
}

// onEvict runs inside idle operations, with mu held. Entries that were
// pinned again or already deleted are ignored. An evicted identity still
// exists: it is remembered as passive and reactivated by the next Get.
func (c *ReferenceCountingCache) onEvict(key PrimaryKey, _ time.Time) {
	e, ok := c.entries[key]
	if !ok || e.pins > 0 {
		return
	}
	delete(c.entries, key)
	c.passive[key] = struct{}{}
	c.evicted = append(c.evicted, e.inst)
	c.stats.Evicted++
}

func (c *ReferenceCountingCache) takeEvicted() []*Instance {
	evicted := c.evicted
	c.evicted = nil
	return evicted
}

func (c *ReferenceCountingCache) passivate(evicted []*Instance) {
	for _, inst := range evicted {
		if p, ok := inst.bean.(Passivator); ok {
			p.Passivate()
		}
		c.collector.Discarded("evicted")
		c.pool.Recycle(inst)
	}
	if len(evicted) > 0 {
		c.report()
	}
}

// Create registers inst under its identity, pinned once. An identity that
// is already registered, passive or being reactivated is a conflict and is
// never overwritten.
func (c *ReferenceCountingCache) Create(inst *Instance) error {
	key := inst.PrimaryKey()
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := c.register(key, inst); err != nil {
		return err
	}

	c.logger.Debug("instance associated", zap.Any("key", key))
	c.report()
	return nil
}

func (c *ReferenceCountingCache) register(key PrimaryKey, inst *Instance) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok && existing.inst.IsRemoved() {
		// a removed entity still pinned by its removing transaction
		return c.conflict(key, "is being removed")
	} else if ok {
		return c.conflict(key, "already exists")
	}
	if _, ok := c.passive[key]; ok {
		return c.conflict(key, "already exists")
	}
	if _, ok := c.activations[key]; ok {
		return c.conflict(key, "already exists")
	}

	inst.transition(StateBorrowed, StateAssociated)
	c.entries[key] = &cacheEntry{inst: inst, pins: 1}
	c.stats.Created++
	return nil
}

func (c *ReferenceCountingCache) conflict(key PrimaryKey, what string) error {
	return entityerrors.Newf(entityerrors.ErrorTypeConflict, "%s with identity %v %s", c.component, key, what).
		WithDetail("component", c.component)
}

// Get pins and returns the instance bound to key. A passive identity is
// reactivated first; concurrent lookups wait for that activation. Unknown,
// removed and discarded identities are not found.
func (c *ReferenceCountingCache) Get(ctx context.Context, key PrimaryKey) (*Instance, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, entityerrors.Wrap(err, entityerrors.ErrorTypeTimeout, "cache lookup abandoned")
		}

		inst, pending, activate := c.lookup(key)
		switch {
		case inst != nil:
			return inst, nil
		case activate:
			return c.activate(ctx, key)
		case pending != nil:
			select {
			case <-pending:
			case <-ctx.Done():
			}
		default:
			return nil, c.notFound(key)
		}
	}
}

// lookup pins the live instance bound to key. Failing that it returns the
// activation in flight for key, or claims the activation of a passive key.
func (c *ReferenceCountingCache) lookup(key PrimaryKey) (inst *Instance, pending <-chan struct{}, activate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if e.inst.IsRemoved() || e.inst.IsDiscarded() {
			c.stats.Misses++
			return nil, nil, false
		}
		c.pin(key, e)
		c.stats.Hits++
		return e.inst, nil, false
	}
	if done, ok := c.activations[key]; ok {
		return nil, done, false
	}

	c.stats.Misses++
	if _, ok := c.passive[key]; ok {
		delete(c.passive, key)
		c.activations[key] = make(chan struct{})
		return nil, nil, true
	}
	return nil, nil, false
}

// activate rebuilds the passive identity key in a pooled bean and registers
// it pinned once.
func (c *ReferenceCountingCache) activate(ctx context.Context, key PrimaryKey) (*Instance, error) {
	inst, err := c.reactivate(ctx, key)
	c.settle(key, inst, err)
	if err != nil {
		c.logger.Warn("reactivation failed", zap.Any("key", key), zap.Error(err))
		return nil, err
	}

	c.logger.Debug("instance reactivated", zap.Any("key", key))
	c.report()
	return inst, nil
}

func (c *ReferenceCountingCache) reactivate(ctx context.Context, key PrimaryKey) (*Instance, error) {
	inst, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	a, ok := inst.bean.(Activator)
	if !ok {
		c.pool.Release(inst)
		return nil, entityerrors.Newf(entityerrors.ErrorTypeIllegalState,
			"%s with identity %v was passivated but its bean cannot be reactivated", c.component, key)
	}
	if err := inst.SetPrimaryKey(key); err != nil {
		c.pool.Release(inst)
		return nil, err
	}
	if err := runActivate(ctx, a, key); err != nil {
		if entityerrors.IsRecoverable(err) {
			c.pool.Release(inst)
		} else {
			c.pool.Discard(inst)
		}
		return nil, err
	}
	return inst, nil
}

func runActivate(ctx context.Context, a Activator, key PrimaryKey) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = entityerrors.FromPanic(r)
		}
	}()
	return a.Activate(ctx, key)
}

// settle ends the activation of key and wakes its waiters. A failed
// activation leaves the identity passive unless the bean reported it gone.
func (c *ReferenceCountingCache) settle(key PrimaryKey, inst *Instance, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	close(c.activations[key])
	delete(c.activations, key)

	if err != nil {
		if !entityerrors.IsNotFound(err) {
			c.passive[key] = struct{}{}
		}
		return
	}
	inst.transition(StateBorrowed, StateAssociated)
	c.entries[key] = &cacheEntry{inst: inst, pins: 1}
	c.stats.Activated++
}

// pin must be called with mu held.
func (c *ReferenceCountingCache) pin(key PrimaryKey, e *cacheEntry) {
	e.pins++
	if e.pins == 1 {
		// pins > 0 makes onEvict ignore this removal
		c.idle.Remove(key)
	}
}

func (c *ReferenceCountingCache) notFound(key PrimaryKey) error {
	return entityerrors.Newf(entityerrors.ErrorTypeNotFound, "%s with identity %v not found", c.component, key).
		WithDetail("component", c.component)
}

// Reference adds a pin to an associated instance.
func (c *ReferenceCountingCache) Reference(inst *Instance) error {
	key := inst.PrimaryKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.inst != inst {
		return c.notFound(key)
	}
	c.pin(key, e)
	return nil
}

// Release drops one pin. A failed unit of work (success=false) undoes a
// creation still pending in it by removing the instance, and otherwise
// rolls the bean back. When the last pin goes, a removed instance is
// evicted for good and recycled; anything else becomes idle. Releasing an
// instance the cache no longer holds is a no-op.
func (c *ReferenceCountingCache) Release(inst *Instance, success bool) {
	if !success && c.holds(inst) {
		c.rollback(inst)
	}

	recycle, evicted, ok := c.unpin(inst)
	if !ok {
		return
	}
	if recycle {
		c.logger.Debug("removed instance recycled", zap.Stringer("instance", inst))
		c.pool.Recycle(inst)
	}
	c.passivate(evicted)
	c.report()
}

func (c *ReferenceCountingCache) holds(inst *Instance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[inst.PrimaryKey()]
	return ok && e.inst == inst && e.pins > 0
}

// rollback undoes the failed unit of work of inst. The caller's pin keeps
// inst out of eviction, and mu is not held so the bean's Rollbacker may
// call back into the component.
func (c *ReferenceCountingCache) rollback(inst *Instance) {
	if inst.CreatePending() {
		if inst.MarkRemoved() {
			c.mu.Lock()
			c.stats.RolledBack++
			c.mu.Unlock()
			c.logger.Debug("creation rolled back", zap.Stringer("instance", inst))
		}
		return
	}
	if r, ok := inst.bean.(Rollbacker); ok && !inst.IsRemoved() && !inst.IsDiscarded() {
		r.Rollback()
	}
}

// unpin drops one pin of inst. recycle reports that inst was removed and
// lost its last pin; evicted lists instances pushed out when inst became
// idle.
func (c *ReferenceCountingCache) unpin(inst *Instance) (recycle bool, evicted []*Instance, ok bool) {
	key := inst.PrimaryKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.inst != inst {
		return false, nil, false
	}
	if e.pins <= 0 {
		c.logger.DPanic("release of an unpinned instance", zap.Stringer("instance", inst))
		return false, nil, false
	}

	e.pins--
	if e.pins > 0 {
		return false, nil, true
	}
	if inst.IsRemoved() {
		delete(c.entries, key)
		c.stats.Removed++
		return true, nil, true
	}

	c.idle.Add(key, time.Now())
	return false, c.takeEvicted(), true
}

// Discard evicts inst regardless of pins, marks it discarded and destroys
// it. Later releases of inst are no-ops.
func (c *ReferenceCountingCache) Discard(inst *Instance) {
	if !inst.MarkDiscarded() {
		return
	}
	c.forget(inst)

	c.logger.Warn("instance discarded", zap.Stringer("instance", inst))
	c.collector.Discarded("fault")
	c.pool.Discard(inst)
	c.report()
}

func (c *ReferenceCountingCache) forget(inst *Instance) {
	key := inst.PrimaryKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.inst == inst {
		delete(c.entries, key)
		c.idle.Remove(key)
		c.stats.Discarded++
	}
}

// Contains reports whether key is bound to a live instance held in memory,
// without pinning.
func (c *ReferenceCountingCache) Contains(key PrimaryKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.inst.IsRemoved() && !e.inst.IsDiscarded()
}

// Pins returns the pin count of key, 0 when unknown.
func (c *ReferenceCountingCache) Pins(key PrimaryKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.pins
	}
	return 0
}

// Keys returns the identities of live instances held in memory.
func (c *ReferenceCountingCache) Keys() []PrimaryKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]PrimaryKey, 0, len(c.entries))
	for k, e := range c.entries {
		if !e.inst.IsRemoved() && !e.inst.IsDiscarded() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Flush passivates every idle instance.
func (c *ReferenceCountingCache) Flush() int {
	c.mu.Lock()
	for c.idle.Len() > 0 {
		c.idle.RemoveOldest()
	}
	evicted := c.takeEvicted()
	c.mu.Unlock()

	c.passivate(evicted)
	return len(evicted)
}

// Stats returns cache statistics.
func (c *ReferenceCountingCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.entries)
	stats.Idle = c.idle.Len()
	stats.Pinned = stats.Entries - stats.Idle
	stats.Passive = len(c.passive)
	return stats
}

func (c *ReferenceCountingCache) report() {
	if c.collector == nil {
		return
	}
	stats := c.Stats()
	c.collector.CacheOccupancy(stats.Pinned, stats.Idle)
}
