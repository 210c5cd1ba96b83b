package entity

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/lock"
	"github.com/ajitpratap0/entitycore/pkg/tx"
)

// State tracks which store owns an instance
type State int32

const (
	// StatePooled is an idle instance in the pool
	StatePooled State = iota
	// StateBorrowed is an unassociated instance handed out by the pool
	StateBorrowed
	// StateAssociated is an instance owned by the cache
	StateAssociated
	// StateDead is an instance that will never be used again
	StateDead
)

func (s State) String() string {
	switch s {
	case StatePooled:
		return "pooled"
	case StateBorrowed:
		return "borrowed"
	case StateAssociated:
		return "associated"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Instance wraps one bean with the bookkeeping the instance manager needs.
type Instance struct {
	component string
	bean      any
	lock      *lock.Lock

	state         atomic.Int32
	removed       atomic.Bool
	discarded     atomic.Bool
	createPending atomic.Bool
	depth         atomic.Int32

	mu     sync.Mutex
	key    PrimaryKey
	syncTx tx.Key
}

// NewInstance wraps bean as a pooled instance of component.
func NewInstance(component string, bean any) *Instance {
	return &Instance{
		component: component,
		bean:      bean,
		lock:      lock.New(),
	}
}

// Component returns the owning component's name.
func (i *Instance) Component() string {
	return i.component
}

// Bean returns the wrapped business object.
func (i *Instance) Bean() any {
	return i.bean
}

// Lock returns the instance's ownership lock.
func (i *Instance) Lock() *lock.Lock {
	return i.lock
}

// PrimaryKey returns the business identity, nil while unassociated.
func (i *Instance) PrimaryKey() PrimaryKey {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.key
}

// SetPrimaryKey assigns the business identity of a borrowed instance.
func (i *Instance) SetPrimaryKey(key PrimaryKey) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s := i.State(); s != StateBorrowed {
		return entityerrors.Newf(entityerrors.ErrorTypeIllegalState,
			"cannot assign identity to %s instance", s)
	}

	i.mu.Lock()
	i.key = key
	i.mu.Unlock()
	return nil
}

// State returns the current ownership state.
func (i *Instance) State() State {
	return State(i.state.Load())
}

// transition moves the instance between stores. Anything else than the
// expected source state means two stores believe they own the instance.
func (i *Instance) transition(from, to State) {
	if !i.state.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("entity: illegal instance transition %s -> %s (state %s, %s)",
			from, to, i.State(), i))
	}
}

// kill marks the instance dead and returns the state it had.
func (i *Instance) kill() State {
	return State(i.state.Swap(int32(StateDead)))
}

// IsRemoved reports whether a remove call completed on this instance.
func (i *Instance) IsRemoved() bool {
	return i.removed.Load()
}

// MarkRemoved flags the instance removed. It reports whether this call made
// the change; the flag is never cleared.
func (i *Instance) MarkRemoved() bool {
	return i.removed.CompareAndSwap(false, true)
}

// IsDiscarded reports whether a fault discarded this instance.
func (i *Instance) IsDiscarded() bool {
	return i.discarded.Load()
}

// MarkDiscarded flags the instance discarded and reports whether this call
// made the change.
func (i *Instance) MarkDiscarded() bool {
	return i.discarded.CompareAndSwap(false, true)
}

// MarkCreatePending records that the instance was created inside a
// transaction that has not completed yet.
func (i *Instance) MarkCreatePending() {
	i.createPending.Store(true)
}

// CreatePending reports whether the creating transaction is still open.
func (i *Instance) CreatePending() bool {
	return i.createPending.Load()
}

// ConfirmCreate clears the pending creation once its transaction commits.
func (i *Instance) ConfirmCreate() {
	i.createPending.Store(false)
}

// InvocationInProgress reports whether a call is currently inside the bean.
func (i *Instance) InvocationInProgress() bool {
	return i.depth.Load() > 0
}

// EnterInvocation records one more call inside the bean and returns the new
// depth.
func (i *Instance) EnterInvocation() int32 {
	return i.depth.Add(1)
}

// TryEnterExclusive enters only when no call is inside the bean.
func (i *Instance) TryEnterExclusive() bool {
	return i.depth.CompareAndSwap(0, 1)
}

// ExitInvocation undoes EnterInvocation or a successful TryEnterExclusive.
func (i *Instance) ExitInvocation() {
	if i.depth.Add(-1) < 0 {
		panic(fmt.Sprintf("entity: invocation depth below zero (%s)", i))
	}
}

// SyncTransaction returns the transaction holding a synchronization for
// this instance, or "".
func (i *Instance) SyncTransaction() tx.Key {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.syncTx
}

// ClaimSync records key as the transaction holding this instance's
// synchronization. It reports false when one is already recorded.
func (i *Instance) ClaimSync(key tx.Key) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.syncTx != "" {
		return false
	}
	i.syncTx = key
	return true
}

// ReleaseSync clears the synchronization record if it belongs to key.
func (i *Instance) ReleaseSync(key tx.Key) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.syncTx == key {
		i.syncTx = ""
	}
}

func (i *Instance) String() string {
	i.mu.Lock()
	key := i.key
	i.mu.Unlock()
	if key == nil {
		return fmt.Sprintf("%s[unassociated]", i.component)
	}
	return fmt.Sprintf("%s[%v]", i.component, key)
}
