package entity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/entitycore/pkg/config"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/metrics"
	"github.com/ajitpratap0/entitycore/pkg/testutil"
)

func newTestCache(t *testing.T, cfg config.CacheConfig) (*InstancePool, *ReferenceCountingCache) {
	p, _ := newTestPool(t, 16)
	c, err := NewReferenceCountingCache("Counter", p, cfg, metrics.NewCollector("cache_test"), testutil.TestLogger(t))
	require.NoError(t, err)
	return p, c
}

func TestCacheCreateAndGet(t *testing.T) {
	_, c := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	inst := associate(t, c.pool, c, "k1")
	assert.Equal(t, StateAssociated, inst.State())
	assert.Equal(t, 1, c.Pins("k1"))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Same(t, inst, got)
	assert.Equal(t, 2, c.Pins("k1"))

	c.Release(got, true)
	c.Release(inst, true)
	assert.Zero(t, c.Pins("k1"))
	assert.True(t, c.Contains("k1"))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Pinned)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestCacheCreateConflict(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{})
	associate(t, p, c, "k1")

	dup, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, dup.SetPrimaryKey("k1"))

	err = c.Create(dup)
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeConflict))
	assert.Equal(t, StateBorrowed, dup.State(), "the rejected instance stays with the caller")
	assert.Equal(t, 1, c.Pins("k1"))
}

func TestCacheGetUnknown(t *testing.T) {
	_, c := newTestCache(t, config.CacheConfig{})

	_, err := c.Get(context.Background(), "missing")
	assert.True(t, entityerrors.IsNotFound(err))

	_, err = c.Get(context.Background(), nil)
	assert.True(t, entityerrors.IsNotFound(err))

	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCacheRemovedInstanceRecycledAtLastUnpin(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	inst := associate(t, p, c, "k1")
	require.NoError(t, c.Reference(inst))
	inst.MarkRemoved()

	_, err := c.Get(ctx, "k1")
	assert.True(t, entityerrors.IsNotFound(err), "removed identities are not found while still pinned")

	c.Release(inst, true)
	assert.Equal(t, StateAssociated, inst.State())
	c.Release(inst, false)

	assert.Equal(t, StateDead, inst.State())
	assert.False(t, c.Contains("k1"))
	assert.Equal(t, int64(1), c.Stats().Removed)
	assert.Equal(t, int64(1), p.Stats().Idle, "pool receives the freed bean")
}

func TestCacheRollbackOfCreate(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	inst := associate(t, p, c, "k1")
	inst.MarkCreatePending()

	// another unit of work is already waiting on the new identity
	waiter, err := c.Get(ctx, "k1")
	require.NoError(t, err)

	c.Release(inst, false)
	assert.True(t, inst.IsRemoved(), "the failed creation is undone immediately")
	assert.False(t, c.Contains("k1"))
	assert.Equal(t, int64(1), c.Stats().RolledBack)

	c.Release(waiter, true)
	assert.Equal(t, StateDead, inst.State())
	assert.Equal(t, int64(1), c.Stats().Removed)
}

func TestCacheConfirmedCreateSurvivesRollback(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{})

	inst := associate(t, p, c, "k1")
	inst.MarkCreatePending()
	inst.ConfirmCreate()
	c.Release(inst, false)

	assert.True(t, c.Contains("k1"))
	assert.Equal(t, int32(1), inst.Bean().(*counterBean).rollbacks.Load())
}

func TestCacheRollbackOfCommittedInstance(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	inst := associate(t, p, c, "k1")
	c.Release(inst, true)

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	c.Release(got, false)

	assert.True(t, c.Contains("k1"))
	assert.Equal(t, int32(1), inst.Bean().(*counterBean).rollbacks.Load())
}

func TestCacheDiscard(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{})

	inst := associate(t, p, c, "k1")
	require.NoError(t, c.Reference(inst))

	c.Discard(inst)
	assert.True(t, inst.IsDiscarded())
	assert.False(t, c.Contains("k1"))
	assert.Equal(t, StateDead, inst.State())
	assert.Equal(t, int32(1), inst.Bean().(*counterBean).destroyed.Load())

	// pins held by other call paths drain without effect
	c.Release(inst, true)
	c.Release(inst, true)
	c.Discard(inst)
	assert.Equal(t, int64(1), c.Stats().Discarded)
	assert.Zero(t, p.Stats().Idle)

	err := c.Reference(inst)
	assert.True(t, entityerrors.IsNotFound(err))
}

func TestCacheCapacityEvictsOnlyIdle(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{Capacity: 2})
	ctx := context.Background()

	pinned := associate(t, p, c, "pinned")
	for _, key := range []string{"a", "b", "c"} {
		inst := associate(t, p, c, key)
		c.Release(inst, true)
	}

	assert.True(t, c.Contains("pinned"), "pinned instances are never evicted")
	assert.False(t, c.Contains("a"), "least recently idle instance is evicted first")
	assert.True(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evicted)
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 1, stats.Pinned)
	assert.Equal(t, 1, stats.Passive)

	// pinning an idle instance takes it out of eviction
	b, err := c.Get(ctx, "b")
	require.NoError(t, err)
	d := associate(t, p, c, "d")
	c.Release(d, true)
	e := associate(t, p, c, "e")
	c.Release(e, true)
	assert.True(t, c.Contains("b"))
	assert.Same(t, b, mustGet(t, c, "b"))
	c.Release(pinned, true)
}

func TestCacheReactivatesEvictedIdentity(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{Capacity: 1})
	ctx := context.Background()

	first := associate(t, p, c, "first")
	c.Release(first, true)
	second := associate(t, p, c, "second")
	c.Release(second, true)
	require.False(t, c.Contains("first"))

	dup, err := p.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, dup.SetPrimaryKey("first"))
	err = c.Create(dup)
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeConflict), "a passive identity still exists")
	p.Release(dup)

	again, err := c.Get(ctx, "first")
	require.NoError(t, err)
	assert.NotSame(t, first, again)
	assert.Equal(t, "first", again.PrimaryKey())
	assert.Equal(t, StateAssociated, again.State())
	assert.Equal(t, int32(1), again.Bean().(*counterBean).activated.Load())
	c.Release(again, true)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Activated)
	assert.Equal(t, 1, stats.Passive, "second was pushed out in turn")
}

func TestCacheConcurrentReactivation(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{Capacity: 1})

	cold := associate(t, p, c, "cold")
	c.Release(cold, true)
	warm := associate(t, p, c, "warm")
	c.Release(warm, true)
	require.False(t, c.Contains("cold"))

	got := make([]*Instance, 8)
	var g errgroup.Group
	for i := range got {
		i := i
		g.Go(func() error {
			inst, err := c.Get(context.Background(), "cold")
			got[i] = inst
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, inst := range got {
		assert.Same(t, got[0], inst)
	}
	assert.Equal(t, int64(1), c.Stats().Activated)
	assert.Equal(t, 8, c.Pins("cold"))
}

type dormantBean struct{}

func TestCacheWithoutActivatorKeepsIdentityPassive(t *testing.T) {
	p := NewInstancePool("Dormant", func(context.Context) (any, error) {
		return &dormantBean{}, nil
	}, config.PoolConfig{}, nil, testutil.TestLogger(t))
	c, err := NewReferenceCountingCache("Dormant", p, config.CacheConfig{Capacity: 1}, nil, testutil.TestLogger(t))
	require.NoError(t, err)

	a := associate(t, p, c, "a")
	c.Release(a, true)
	b := associate(t, p, c, "b")
	c.Release(b, true)

	_, err = c.Get(context.Background(), "a")
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeIllegalState))
	assert.Equal(t, 1, c.Stats().Passive, "a failed activation does not forget the identity")
}

func TestCacheSurvivesUnhashableKey(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	inst, err := p.Get(ctx)
	require.NoError(t, err)
	err = inst.SetPrimaryKey(boxedKey{v: []byte("k")})
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeValidation))
	p.Release(inst)

	_, err = c.Get(ctx, boxedKey{v: []byte("k")})
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeValidation))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(ctx, "other")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lookup of an unrelated key blocked")
	}
}

func TestCacheRollbackHookMayCallBack(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{})

	inst := associate(t, p, c, "k1")
	c.Release(inst, true)
	got := mustGet(t, c, "k1")

	pins := -1
	got.Bean().(*counterBean).onRollback = func() { pins = c.Pins("k1") }

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Release(got, false)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rollback hook blocked on the cache")
	}
	assert.Equal(t, 1, pins, "the hook runs while the releasing pin is held")
	assert.Zero(t, c.Pins("k1"))
	assert.True(t, c.Contains("k1"))
}

func mustGet(t *testing.T, c *ReferenceCountingCache, key PrimaryKey) *Instance {
	t.Helper()
	inst, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	return inst
}

func TestCacheEvictionPassivatesAndRecycles(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{Capacity: 1})

	first := associate(t, p, c, "first")
	c.Release(first, true)
	second := associate(t, p, c, "second")
	c.Release(second, true)

	bean := first.Bean().(*counterBean)
	assert.Equal(t, int32(1), bean.passivated.Load())
	assert.Equal(t, int32(1), bean.resets.Load())
	assert.Equal(t, StateDead, first.State())
}

func TestCacheSweepAgesOut(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{MaxIdleAge: time.Minute, SweepInterval: time.Hour})

	old := associate(t, p, c, "old")
	c.Release(old, true)
	busy := associate(t, p, c, "busy")

	assert.Zero(t, c.Sweep(time.Now()))
	assert.Equal(t, 1, c.Sweep(time.Now().Add(2*time.Minute)))
	assert.False(t, c.Contains("old"))
	assert.True(t, c.Contains("busy"))
	c.Release(busy, true)
}

func TestCacheStartStop(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{MaxIdleAge: time.Millisecond, SweepInterval: 5 * time.Millisecond})
	c.Start()
	defer c.Stop()

	inst := associate(t, p, c, "k")
	c.Release(inst, true)

	assert.Eventually(t, func() bool { return !c.Contains("k") }, time.Second, 5*time.Millisecond)
}

func TestCacheFlushAndKeys(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{})
	for _, key := range []int{1, 2, 3} {
		inst := associate(t, p, c, key)
		c.Release(inst, true)
	}
	assert.ElementsMatch(t, []PrimaryKey{1, 2, 3}, c.Keys())

	assert.Equal(t, 3, c.Flush())
	assert.Empty(t, c.Keys())
	assert.Equal(t, 3, c.Stats().Passive)
}

func TestCacheConcurrentPinning(t *testing.T) {
	p, c := newTestCache(t, config.CacheConfig{Capacity: 1})
	ctx := context.Background()

	inst := associate(t, p, c, "hot")
	c.Release(inst, true)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				got, err := c.Get(ctx, "hot")
				if err != nil {
					t.Error(err)
					return
				}
				c.Release(got, true)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, c.Pins("hot"))
	assert.True(t, c.Contains("hot"))
}
