package component

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/entitycore/pkg/config"
	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/testutil"
	"github.com/ajitpratap0/entitycore/pkg/timer"
	"github.com/ajitpratap0/entitycore/pkg/tx"
)

type tally struct {
	created  atomic.Int32
	removed  atomic.Int32
	overlaps atomic.Int32
	// saved holds the last stored value per key
	saved sync.Map
}

type counter struct {
	tally  *tally
	key    string
	value  int
	active atomic.Int32
}

func (b *counter) Create(_ context.Context, args ...any) (entity.PrimaryKey, error) {
	b.key = args[0].(string)
	b.tally.created.Add(1)
	return b.key, nil
}

func (b *counter) Remove(context.Context) error {
	b.tally.removed.Add(1)
	return nil
}

func (b *counter) Store(context.Context) error {
	b.tally.saved.Store(b.key, b.value)
	return nil
}

func (b *counter) Activate(_ context.Context, key entity.PrimaryKey) error {
	v, ok := b.tally.saved.Load(key)
	if !ok {
		return entityerrors.Newf(entityerrors.ErrorTypeNotFound, "counter %v was never stored", key)
	}
	b.key = key.(string)
	b.value = v.(int)
	return nil
}

func (b *counter) Reset() {
	b.key = ""
	b.value = 0
}

type fixture struct {
	comp   *Component[*counter]
	txm    *tx.Manager
	timers *timer.Service
	tally  *tally
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	log := testutil.TestLogger(t)

	cfg := config.NewDefaultConfig("Counter")
	cfg.Observability.EnableMetrics = false
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		txm:    tx.NewManager(log),
		timers: timer.NewService(log),
		tally:  &tally{},
	}
	t.Cleanup(f.timers.Stop)

	comp, err := New("Counter", func(context.Context) (*counter, error) {
		return &counter{tally: f.tally}, nil
	}, cfg,
		WithTransactions[*counter](f.txm),
		WithTimers[*counter](f.timers),
		WithLogger[*counter](log),
		WithMethod("Increment", func(_ context.Context, b *counter, _ ...any) (any, error) {
			b.value++
			return b.value, nil
		}),
		WithMethod("Get", func(_ context.Context, b *counter, _ ...any) (any, error) {
			return b.value, nil
		}),
		WithMethod("Hold", func(_ context.Context, b *counter, args ...any) (any, error) {
			if b.active.Add(1) > 1 {
				b.tally.overlaps.Add(1)
			}
			time.Sleep(args[0].(time.Duration))
			b.active.Add(-1)
			return nil, nil
		}),
		WithMethod("Fail", func(context.Context, *counter, ...any) (any, error) {
			return nil, errors.New("corrupted state")
		}),
		WithMethod("Nested", func(ctx context.Context, b *counter, _ ...any) (any, error) {
			ref, err := f.comp.Ref(b.key)
			if err != nil {
				return nil, err
			}
			return ref.Invoke(ctx, "Increment")
		}),
		WithFinder("Keys", func(_ context.Context, _ *counter, args ...any) ([]entity.PrimaryKey, error) {
			return args, nil
		}),
	)
	require.NoError(t, err)
	f.comp = comp

	require.NoError(t, comp.Start(context.Background()))
	t.Cleanup(comp.Stop)
	return f
}

func (f *fixture) create(t *testing.T, key string) *Ref[*counter] {
	t.Helper()
	ref, err := f.comp.Create(context.Background(), key)
	require.NoError(t, err)
	return ref
}

func (f *fixture) value(t *testing.T, ref *Ref[*counter]) int {
	t.Helper()
	v, err := ref.Invoke(context.Background(), "Get")
	require.NoError(t, err)
	return v.(int)
}

// instance peeks at the cached instance of key without keeping a pin.
func (f *fixture) instance(t *testing.T, key string) *entity.Instance {
	t.Helper()
	inst, err := f.comp.Cache().Get(context.Background(), key)
	require.NoError(t, err)
	f.comp.Cache().Release(inst, true)
	return inst
}

func TestCreateAndInvoke(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")
	assert.Equal(t, "k1", ref.PrimaryKey())
	assert.Equal(t, "Counter", ref.Component())
	assert.Equal(t, "Counter[k1]", ref.String())

	v, err := ref.Invoke(context.Background(), "Increment")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, f.value(t, ref))
}

func TestNewValidatesOptions(t *testing.T) {
	noop := func(context.Context, *counter, ...any) (any, error) { return nil, nil }
	factory := func(context.Context) (*counter, error) { return &counter{}, nil }

	_, err := New("Counter", factory, nil, WithMethod("Remove", noop))
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeConfig))

	_, err = New[*counter]("Counter", nil, nil)
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeConfig))

	_, err = New("", factory, &config.Config{})
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeConfig))

	evicting := config.NewDefaultConfig("Plain")
	evicting.Cache.Capacity = 10
	_, err = New("Plain", func(context.Context) (*struct{}, error) { return &struct{}{}, nil }, evicting)
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeConfig), "eviction needs beans that can be reactivated")
}

func TestUnknownMethodAndFinder(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")

	_, err := ref.Invoke(context.Background(), "Nope")
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeValidation))

	_, err = f.comp.Find(context.Background(), "Nope")
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeValidation))

	_, err = f.comp.Ref(nil)
	assert.True(t, entityerrors.IsNotFound(err))
}

func TestMutualExclusion(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		inTx := w%2 == 1
		g.Go(func() error {
			for i := 0; i < 20; i++ {
				hold := func(ctx context.Context) error {
					_, err := ref.Invoke(ctx, "Hold", 200*time.Microsecond)
					return err
				}
				var err error
				if inTx {
					err = f.txm.Run(context.Background(), hold)
				} else {
					err = hold(context.Background())
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, f.tally.overlaps.Load(), "two owners were inside the same identity")
}

func TestReentrancy(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")

	_, err := ref.Invoke(context.Background(), "Nested")
	require.NoError(t, err)

	err = f.txm.Run(context.Background(), func(ctx context.Context) error {
		_, err := ref.Invoke(ctx, "Nested")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.value(t, ref))
}

func TestNonReentrantComponentRejectsLoopBack(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Locking.Reentrant = false })
	ref := f.create(t, "k1")

	_, err := ref.Invoke(context.Background(), "Nested")
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeNonReentrant))
	assert.True(t, f.comp.Cache().Contains("k1"))
	assert.Zero(t, f.value(t, ref))
}

func TestExactlyOnceRelease(t *testing.T) {
	f := newFixture(t, nil)
	keys := []string{"k0", "k1", "k2", "k3"}
	refs := make([]*Ref[*counter], len(keys))
	for i, key := range keys {
		refs[i] = f.create(t, key)
	}

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 40; i++ {
				ref := refs[(w+i)%len(refs)]
				if (w+i)%3 == 0 {
					if err := f.txm.Run(context.Background(), func(ctx context.Context) error {
						if _, err := ref.Invoke(ctx, "Increment"); err != nil {
							return err
						}
						_, err := ref.Invoke(ctx, "Nested")
						return err
					}); err != nil {
						return err
					}
					continue
				}
				if _, err := ref.Invoke(context.Background(), "Increment"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, key := range keys {
		inst := f.instance(t, key)
		stats := inst.Lock().Stats()
		assert.Equal(t, stats.Acquired, stats.Released, key)
		assert.Positive(t, stats.Acquired)
		assert.Zero(t, inst.Lock().Depth(), key)
		assert.Zero(t, f.comp.Cache().Pins(key), key)
		assert.Empty(t, inst.SyncTransaction(), key)
	}
	assert.Zero(t, f.txm.Count())
}

func TestDiscardOnFault(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")
	inst := f.instance(t, "k1")

	_, err := ref.Invoke(context.Background(), "Fail")
	require.Error(t, err)
	assert.Equal(t, "corrupted state", err.Error())

	assert.True(t, inst.IsDiscarded())
	assert.Equal(t, entity.StateDead, inst.State())
	assert.False(t, f.comp.Cache().Contains("k1"))
	assert.Zero(t, f.comp.Pool().Stats().Idle, "the faulted bean is not pooled")
	assert.Equal(t, int64(1), f.comp.Pool().Stats().Destroyed)
}

func TestIdempotentRemoval(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")

	require.NoError(t, ref.Remove(context.Background()))
	err := ref.Remove(context.Background())
	assert.True(t, entityerrors.IsNotFound(err))
	assert.Equal(t, int32(1), f.tally.removed.Load(), "business remove ran once")
}

func TestRemoveCancelsTimers(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")

	_, err := f.timers.Schedule("Counter", "k1", time.Hour, func() {})
	require.NoError(t, err)
	require.NoError(t, ref.Remove(context.Background()))
	assert.Zero(t, f.timers.Pending("Counter", "k1"))
}

// Scenario A: an identity created outside a transaction survives a
// committed call and is reused without creation.
func TestScenarioCommittedCallKeepsIdentity(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")
	poolBefore := f.comp.Pool().Stats()

	err := f.txm.Run(context.Background(), func(ctx context.Context) error {
		_, err := ref.Invoke(ctx, "Increment")
		return err
	})
	require.NoError(t, err)

	assert.True(t, f.comp.Cache().Contains("k1"))
	assert.Equal(t, poolBefore, f.comp.Pool().Stats())

	other, err := f.comp.Ref("k1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.value(t, other))
	assert.Equal(t, int32(1), f.tally.created.Load())
}

// Scenario B: two transactions on one identity run one after the other.
func TestScenarioConcurrentTransactionsSerialize(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")
	const hold = 30 * time.Millisecond

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			return f.txm.Run(context.Background(), func(ctx context.Context) error {
				_, err := ref.Invoke(ctx, "Hold", hold)
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	assert.GreaterOrEqual(t, time.Since(start), 2*hold)
	assert.Zero(t, f.tally.overlaps.Load())
}

// Scenario C: a fault inside a transaction discards the instance and the
// transaction's completion still unlocks it.
func TestScenarioFaultInTransaction(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")
	inst := f.instance(t, "k1")

	ctx, txn, err := f.txm.Begin(context.Background())
	require.NoError(t, err)
	_, err = ref.Invoke(ctx, "Fail")
	require.Error(t, err)
	assert.Equal(t, tx.StatusMarkedRollback, txn.Status())
	assert.Equal(t, 1, inst.Lock().Depth(), "held until the transaction completes")

	assert.ErrorIs(t, txn.Commit(), tx.ErrRolledBack)
	assert.Zero(t, inst.Lock().Depth())
	assert.False(t, f.comp.Cache().Contains("k1"))

	_, err = ref.Invoke(context.Background(), "Get")
	assert.True(t, entityerrors.IsNotFound(err))
}

// Scenario D: after a removal the identity is gone and the bean returns
// to the pool.
func TestScenarioRemoveFreesInstance(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")

	require.NoError(t, ref.Remove(context.Background()))

	_, err := ref.Invoke(context.Background(), "Get")
	assert.True(t, entityerrors.IsNotFound(err))

	testutil.AssertEventually(t, func() bool {
		return f.comp.Pool().Stats().Idle == 1
	}, time.Second, "freed instance never reached the pool")
}

func TestEvictedIdentityIsReactivated(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Cache.Capacity = 1 })
	ctx := testutil.TestContext(t)

	k1 := f.create(t, "k1")
	_, err := k1.Invoke(ctx, "Increment")
	require.NoError(t, err)
	k2 := f.create(t, "k2")

	assert.False(t, f.comp.Cache().Contains("k1"), "capacity pushed k1 out of memory")
	assert.Equal(t, 1, f.value(t, k1), "state survives passivation")
	assert.Equal(t, int64(1), f.comp.Cache().Stats().Activated)

	_, err = f.comp.Create(ctx, "k2")
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeConflict), "a passive identity still exists")

	require.NoError(t, k2.Remove(ctx))
	_, err = k2.Invoke(ctx, "Get")
	assert.True(t, entityerrors.IsNotFound(err))
	assert.Zero(t, f.comp.Cache().Stats().Passive)
	assert.Equal(t, int32(1), f.tally.removed.Load())
}

func TestRefIdentity(t *testing.T) {
	f := newFixture(t, nil)
	a := f.create(t, "k1")
	b, err := f.comp.Ref("k1")
	require.NoError(t, err)
	c, err := f.comp.Ref("k2")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.True(t, a.Equals(b))
	assert.True(t, a.IsIdentical(b))
	assert.Equal(t, a.HashCode(), b.HashCode())
	assert.False(t, a.Equals(c))
	assert.NotEqual(t, a.HashCode(), c.HashCode())
	assert.False(t, a.Equals("k1"))

	key, err := a.Invoke(context.Background(), MethodPrimaryKey)
	require.NoError(t, err)
	assert.Equal(t, "k1", key)
}

func TestFind(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t, "k1")

	refs, err := f.comp.Find(context.Background(), "Keys", "k1", "k9")
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.Equal(t, 0, f.value(t, refs[0]))
	_, err = refs[1].Invoke(context.Background(), "Get")
	assert.True(t, entityerrors.IsNotFound(err))

	assert.False(t, f.comp.Cache().Contains("k9"), "finders never load the cache")
	assert.Zero(t, f.comp.Pool().Stats().Active)
}

func TestStartPrefillsAndStopDrains(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Pool.Prefill = 4 })
	assert.Equal(t, int64(4), f.comp.Pool().Stats().Idle)

	f.comp.Stop()
	assert.Zero(t, f.comp.Pool().Stats().Idle)
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	ref := f.create(t, "k1")
	_, err := ref.Invoke(context.Background(), "Increment")
	require.NoError(t, err)

	stats := f.comp.Stats()
	assert.Equal(t, "Counter", stats.Component)
	assert.Equal(t, int64(1), stats.Cache.Created)
	assert.Equal(t, 1, stats.Cache.Entries)
	assert.Equal(t, int64(1), stats.Pool.Created)
}
