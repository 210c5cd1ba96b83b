package interceptor

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/entitycore/pkg/config"
	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/testutil"
	"github.com/ajitpratap0/entitycore/pkg/timer"
	"github.com/ajitpratap0/entitycore/pkg/tx"
)

type accountBean struct {
	id      string
	balance int

	stored    atomic.Int32
	rollbacks atomic.Int32
}

func (b *accountBean) Create(_ context.Context, args ...any) (entity.PrimaryKey, error) {
	id, _ := args[0].(string)
	if id == "" {
		return nil, entityerrors.Application(errEmptyID)
	}
	b.id = id
	return id, nil
}

func (b *accountBean) Store(context.Context) error {
	b.stored.Add(1)
	return nil
}

func (b *accountBean) Rollback() { b.rollbacks.Add(1) }

func (b *accountBean) Reset() {
	b.id = ""
	b.balance = 0
}

type harness struct {
	pool   *entity.InstancePool
	cache  *entity.ReferenceCountingCache
	txm    *tx.Manager
	timers *timer.Service

	business *Chain
	create   *Chain
	remove   *Chain
	finder   *Chain
}

func newHarness(t *testing.T, reentrant bool, classify ErrorClassifier) *harness {
	t.Helper()
	log := testutil.TestLogger(t)

	p := entity.NewInstancePool("Account", func(context.Context) (any, error) {
		return &accountBean{}, nil
	}, config.PoolConfig{MaxIdle: 8}, nil, log)
	c, err := entity.NewReferenceCountingCache("Account", p, config.CacheConfig{}, nil, log)
	require.NoError(t, err)

	h := &harness{
		pool:   p,
		cache:  c,
		txm:    tx.NewManager(log),
		timers: timer.NewService(log),
	}
	t.Cleanup(h.timers.Stop)

	obs := NewObservabilityInterceptor("Account", nil, log)
	syncStage := NewSynchronizationInterceptor(h.txm, c, 0, nil, log)
	reent := NewReentrancyInterceptor(reentrant)
	dispatch := NewDispatchInterceptor(c, h.txm, classify, log)

	h.business = NewChain("business", obs, NewAssociationInterceptor(c), syncStage, reent, dispatch)
	h.create = NewChain("create", obs, NewCreateInterceptor(p, c, h.txm, classify, log), syncStage, reent, dispatch)
	h.remove = NewChain("remove", obs, NewAssociationInterceptor(c), syncStage, reent, NewRemoveInterceptor(h.timers, log), dispatch)
	h.finder = NewChain("finder", obs, NewFinderInterceptor(p), dispatch)
	return h
}

type beanFunc func(ctx context.Context, b *accountBean) (any, error)

func target(fn beanFunc) Handler {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		return fn(ctx, inv.Instance.Bean().(*accountBean))
	}
}

func (h *harness) call(ctx context.Context, key entity.PrimaryKey, fn beanFunc) (any, error) {
	inv := AcquireInvocation("Account", "call", KindBusiness)
	defer ReleaseInvocation(inv)
	inv.Key = key
	inv.Target = target(fn)
	return h.business.Invoke(ctx, inv)
}

func (h *harness) deposit(ctx context.Context, key entity.PrimaryKey, amount int) error {
	_, err := h.call(ctx, key, func(_ context.Context, b *accountBean) (any, error) {
		b.balance += amount
		return nil, nil
	})
	return err
}

func (h *harness) balance(t *testing.T, key entity.PrimaryKey) int {
	t.Helper()
	res, err := h.call(context.Background(), key, func(_ context.Context, b *accountBean) (any, error) {
		return b.balance, nil
	})
	require.NoError(t, err)
	return res.(int)
}

func (h *harness) createWith(ctx context.Context, id string, postCreate beanFunc) (any, error) {
	inv := AcquireInvocation("Account", "create", KindCreate)
	defer ReleaseInvocation(inv)
	inv.Args = []any{id}
	if postCreate == nil {
		postCreate = func(context.Context, *accountBean) (any, error) { return nil, nil }
	}
	inv.Target = target(postCreate)
	return h.create.Invoke(ctx, inv)
}

func (h *harness) mustCreate(t *testing.T, id string) {
	t.Helper()
	key, err := h.createWith(context.Background(), id, nil)
	require.NoError(t, err)
	require.Equal(t, id, key)
}

func (h *harness) removeKey(ctx context.Context, key entity.PrimaryKey) error {
	inv := AcquireInvocation("Account", "remove", KindRemove)
	defer ReleaseInvocation(inv)
	inv.Key = key
	inv.Target = target(func(context.Context, *accountBean) (any, error) { return nil, nil })
	_, err := h.remove.Invoke(ctx, inv)
	return err
}

// instance peeks at the cached instance without holding a pin.
func (h *harness) instance(t *testing.T, key entity.PrimaryKey) *entity.Instance {
	t.Helper()
	inst, err := h.cache.Get(context.Background(), key)
	require.NoError(t, err)
	h.cache.Release(inst, true)
	return inst
}
