// Package lock provides the reentrant ownership lock that serializes access
// to one entity instance.
//
// The lock is not owned by goroutines directly. It is owned by an Owner
// token: the ambient transaction when there is one, the calling goroutine
// otherwise. A goroutine announces the owner it is acting for with PushOwner
// before calling Lock, so that every call path running on behalf of the same
// transaction re-enters freely while different transactions serialize.
//
// Example usage:
//
//	l := lock.New()
//	l.PushOwner(lock.TransactionOwner(txKey))
//	defer l.PopOwner()
//
//	if err := l.Lock(ctx); err != nil {
//	    return err
//	}
//	defer l.Unlock()
package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

type ownerKind uint8

const (
	kindNone ownerKind = iota
	kindTransaction
	kindGoroutine
)

// Owner is the logical holder of a Lock. Owners are comparable values.
type Owner struct {
	kind ownerKind
	id   string
}

// TransactionOwner returns the owner token for a transaction key.
func TransactionOwner(key string) Owner {
	return Owner{kind: kindTransaction, id: key}
}

// GoroutineOwner returns the owner token for a goroutine id.
func GoroutineOwner(id int64) Owner {
	return Owner{kind: kindGoroutine, id: strconv.FormatInt(id, 10)}
}

// CurrentGoroutine returns the owner token of the calling goroutine.
func CurrentGoroutine() Owner {
	return GoroutineOwner(goid.Get())
}

// IsZero reports whether o is the zero Owner (no holder).
func (o Owner) IsZero() bool {
	return o.kind == kindNone
}

// IsTransaction reports whether o stands for a transaction.
func (o Owner) IsTransaction() bool {
	return o.kind == kindTransaction
}

func (o Owner) String() string {
	switch o.kind {
	case kindTransaction:
		return "tx:" + o.id
	case kindGoroutine:
		return "goroutine:" + o.id
	default:
		return "none"
	}
}

// IllegalMonitorState is the panic value raised when the lock contract is
// violated (unlock without a matching lock, pop without a push).
type IllegalMonitorState struct {
	Op     string
	Owner  Owner
	Holder Owner
	Depth  int
}

func (e *IllegalMonitorState) Error() string {
	return fmt.Sprintf("illegal monitor state: %s by %s (holder %s, depth %d)",
		e.Op, e.Owner, e.Holder, e.Depth)
}

// Stats reports lifetime counters for a Lock.
type Stats struct {
	// Acquired counts successful Lock/TryLock calls, reentrant ones included
	Acquired int64
	// Released counts Unlock calls
	Released int64
	// Contended counts Lock calls that had to wait
	Contended int64
}

// Lock is a mutual exclusion lock keyed by an Owner token with per-owner
// reentrancy. The zero value is not usable; call New.
type Lock struct {
	mu       sync.Mutex
	holder   Owner
	depth    int
	released chan struct{}     // closed when depth returns to zero
	stacks   map[int64][]Owner // goroutine id -> pushed owners

	acquired  atomic.Int64
	unlocked  atomic.Int64
	contended atomic.Int64
}

// New returns an unlocked Lock.
func New() *Lock {
	return &Lock{
		stacks: make(map[int64][]Owner),
	}
}

// PushOwner makes owner the current owner for the calling goroutine until
// the matching PopOwner. It never blocks.
func (l *Lock) PushOwner(owner Owner) {
	gid := goid.Get()

	l.mu.Lock()
	l.stacks[gid] = append(l.stacks[gid], owner)
	l.mu.Unlock()
}

// PopOwner undoes the latest PushOwner of the calling goroutine.
func (l *Lock) PopOwner() {
	gid := goid.Get()

	l.mu.Lock()
	defer l.mu.Unlock()

	stack := l.stacks[gid]
	if len(stack) == 0 {
		panic(&IllegalMonitorState{Op: "pop owner", Owner: GoroutineOwner(gid), Holder: l.holder, Depth: l.depth})
	}
	if len(stack) == 1 {
		delete(l.stacks, gid)
		return
	}
	l.stacks[gid] = stack[:len(stack)-1]
}

// currentOwner must be called with l.mu held.
func (l *Lock) currentOwner(gid int64) Owner {
	if stack := l.stacks[gid]; len(stack) > 0 {
		return stack[len(stack)-1]
	}
	return GoroutineOwner(gid)
}

// CurrentOwner returns the owner the calling goroutine would lock as.
func (l *Lock) CurrentOwner() Owner {
	gid := goid.Get()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentOwner(gid)
}

// Lock acquires the lock for the current owner. It returns immediately when
// the current owner already holds it and blocks while another owner does.
// The only way to abandon the wait is cancelling ctx, in which case
// ctx.Err() is returned and the lock is not held.
func (l *Lock) Lock(ctx context.Context) error {
	gid := goid.Get()
	waited := false

	for {
		l.mu.Lock()
		owner := l.currentOwner(gid)
		if l.depth == 0 || l.holder == owner {
			l.holder = owner
			l.depth++
			l.mu.Unlock()

			l.acquired.Add(1)
			if waited {
				l.contended.Add(1)
			}
			return nil
		}
		if l.released == nil {
			l.released = make(chan struct{})
		}
		released := l.released
		l.mu.Unlock()

		waited = true
		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryLock acquires the lock for the current owner without blocking.
func (l *Lock) TryLock() bool {
	gid := goid.Get()

	l.mu.Lock()
	defer l.mu.Unlock()

	owner := l.currentOwner(gid)
	if l.depth != 0 && l.holder != owner {
		return false
	}
	l.holder = owner
	l.depth++
	l.acquired.Add(1)
	return true
}

// Unlock releases one level of the current owner's hold. The lock becomes
// free when the depth returns to zero. Unlocking a lock the current owner
// does not hold panics with *IllegalMonitorState.
func (l *Lock) Unlock() {
	gid := goid.Get()

	l.mu.Lock()
	defer l.mu.Unlock()

	owner := l.currentOwner(gid)
	if l.depth == 0 || l.holder != owner {
		panic(&IllegalMonitorState{Op: "unlock", Owner: owner, Holder: l.holder, Depth: l.depth})
	}

	l.depth--
	l.unlocked.Add(1)
	if l.depth > 0 {
		return
	}

	l.holder = Owner{}
	if l.released != nil {
		close(l.released)
		l.released = nil
	}
}

// Holder returns the owner currently holding the lock, or the zero Owner.
func (l *Lock) Holder() Owner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// Depth returns the holder's reentrancy depth.
func (l *Lock) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth
}

// IsHeldByCurrent reports whether the current owner holds the lock.
func (l *Lock) IsHeldByCurrent() bool {
	gid := goid.Get()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0 && l.holder == l.currentOwner(gid)
}

// Stats returns the lifetime counters.
func (l *Lock) Stats() Stats {
	return Stats{
		Acquired:  l.acquired.Load(),
		Released:  l.unlocked.Load(),
		Contended: l.contended.Load(),
	}
}
