package entity

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/entitycore/pkg/config"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
)

type counterBean struct {
	value      int
	resets     atomic.Int32
	rollbacks  atomic.Int32
	passivated atomic.Int32
	activated  atomic.Int32
	destroyed  atomic.Int32
	onRollback func()
}

func (b *counterBean) Reset()     { b.value = 0; b.resets.Add(1) }
func (b *counterBean) Passivate() { b.passivated.Add(1) }
func (b *counterBean) Destroy()   { b.destroyed.Add(1) }

func (b *counterBean) Rollback() {
	b.rollbacks.Add(1)
	if b.onRollback != nil {
		b.onRollback()
	}
}

func (b *counterBean) Activate(context.Context, PrimaryKey) error {
	b.activated.Add(1)
	return nil
}

func newTestPool(t *testing.T, maxIdle int) (*InstancePool, *atomic.Int32) {
	var created atomic.Int32
	p := NewInstancePool("Counter", func(context.Context) (any, error) {
		created.Add(1)
		return &counterBean{}, nil
	}, config.PoolConfig{MaxIdle: maxIdle}, nil, zaptest.NewLogger(t))
	return p, &created
}

// associate borrows an instance and registers it under key, pinned once.
func associate(t *testing.T, p *InstancePool, c *ReferenceCountingCache, key PrimaryKey) *Instance {
	t.Helper()
	inst, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, inst.SetPrimaryKey(key))
	require.NoError(t, c.Create(inst))
	return inst
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey(42))
	assert.NoError(t, ValidateKey("acct-1"))
	assert.NoError(t, ValidateKey(struct{ A, B int }{1, 2}))

	err := ValidateKey(nil)
	assert.True(t, entityerrors.IsNotFound(err))

	err = ValidateKey([]int{1})
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeValidation))
}

type boxedKey struct{ v any }

func TestValidateKeyChecksDynamicValues(t *testing.T) {
	assert.NoError(t, ValidateKey(boxedKey{v: "k"}))

	err := ValidateKey(boxedKey{v: []byte("k")})
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeValidation))
	err = ValidateKey([1]any{map[string]int{}})
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeValidation))
}

func TestInstanceFlags(t *testing.T) {
	inst := NewInstance("Counter", &counterBean{})
	assert.Equal(t, StatePooled, inst.State())
	assert.Equal(t, "Counter[unassociated]", inst.String())

	assert.True(t, inst.MarkRemoved())
	assert.False(t, inst.MarkRemoved(), "removal is set once")
	assert.True(t, inst.IsRemoved())

	assert.True(t, inst.MarkDiscarded())
	assert.False(t, inst.MarkDiscarded())
}

func TestInstanceInvocationDepth(t *testing.T) {
	inst := NewInstance("Counter", &counterBean{})
	assert.False(t, inst.InvocationInProgress())

	require.True(t, inst.TryEnterExclusive())
	assert.True(t, inst.InvocationInProgress())
	assert.False(t, inst.TryEnterExclusive())

	assert.Equal(t, int32(2), inst.EnterInvocation())
	inst.ExitInvocation()
	inst.ExitInvocation()
	assert.False(t, inst.InvocationInProgress())

	assert.Panics(t, func() { inst.ExitInvocation() })
}

func TestInstanceSyncClaim(t *testing.T) {
	inst := NewInstance("Counter", &counterBean{})
	assert.True(t, inst.ClaimSync("tx-1"))
	assert.False(t, inst.ClaimSync("tx-2"))
	assert.Equal(t, "tx-1", string(inst.SyncTransaction()))

	inst.ReleaseSync("tx-2")
	assert.Equal(t, "tx-1", string(inst.SyncTransaction()))
	inst.ReleaseSync("tx-1")
	assert.Empty(t, inst.SyncTransaction())
}

func TestSetPrimaryKeyRequiresBorrowed(t *testing.T) {
	inst := NewInstance("Counter", &counterBean{})
	err := inst.SetPrimaryKey(1)
	assert.True(t, entityerrors.IsType(err, entityerrors.ErrorTypeIllegalState))
}

func TestIllegalTransitionPanics(t *testing.T) {
	inst := NewInstance("Counter", &counterBean{})
	assert.Panics(t, func() { inst.transition(StateBorrowed, StateAssociated) })
}
