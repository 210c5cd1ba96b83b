// Package simulation drives a contention workload through an Account
// component: many workers, few identities, a mix of transactional calls,
// removals and faults. It exists to exercise the instance manager end to
// end and to report what the pool, cache and locks did.
package simulation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
)

// Ledger holds committed balances. It plays the part of the store an
// Account flushes to before its transaction completes.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]int64
	stores   atomic.Int64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]int64)}
}

func (l *Ledger) put(id string, balance int64) {
	l.mu.Lock()
	l.balances[id] = balance
	l.mu.Unlock()
	l.stores.Add(1)
}

func (l *Ledger) get(id string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[id]
}

func (l *Ledger) delete(id string) {
	l.mu.Lock()
	delete(l.balances, id)
	l.mu.Unlock()
}

// Balance returns the committed balance of id.
func (l *Ledger) Balance(id string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[id]
	return b, ok
}

// Len returns the number of accounts in the ledger.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.balances)
}

// Stores returns how many times an account was flushed.
func (l *Ledger) Stores() int64 {
	return l.stores.Load()
}

// Account is the demo bean. Its in-memory balance is flushed to the ledger
// by Store and reloaded from it by Rollback and Activate.
type Account struct {
	ledger     *Ledger
	violations *atomic.Int64

	id      string
	balance int64
	active  atomic.Int32
}

// Create opens the account named by args[0] with a zero balance.
func (a *Account) Create(_ context.Context, args ...any) (entity.PrimaryKey, error) {
	if len(args) != 1 {
		return nil, entityerrors.Newf(entityerrors.ErrorTypeValidation, "Create takes an account id, got %d arguments", len(args))
	}
	id, ok := args[0].(string)
	if !ok || id == "" {
		return nil, entityerrors.Newf(entityerrors.ErrorTypeValidation, "invalid account id %v", args[0])
	}
	a.id = id
	a.balance = 0
	return id, nil
}

// PostCreate records the new account once its identity is claimed.
func (a *Account) PostCreate(context.Context, ...any) error {
	a.ledger.put(a.id, 0)
	return nil
}

// Store flushes the balance.
func (a *Account) Store(context.Context) error {
	a.ledger.put(a.id, a.balance)
	return nil
}

// Rollback drops uncommitted changes.
func (a *Account) Rollback() {
	a.balance = a.ledger.get(a.id)
}

// Activate reloads an account the cache passivated.
func (a *Account) Activate(_ context.Context, key entity.PrimaryKey) error {
	id, _ := key.(string)
	balance, ok := a.ledger.Balance(id)
	if !ok {
		return entityerrors.Newf(entityerrors.ErrorTypeNotFound, "account %v is not in the ledger", key)
	}
	a.id = id
	a.balance = balance
	return nil
}

// Remove closes the account.
func (a *Account) Remove(context.Context) error {
	a.ledger.delete(a.id)
	return nil
}

// Reset clears the bean for reuse.
func (a *Account) Reset() {
	a.id = ""
	a.balance = 0
}

// enter records a caller inside the bean. More than one caller at a time
// is a mutual exclusion violation.
func (a *Account) enter() {
	if a.active.Add(1) > 1 {
		a.violations.Add(1)
	}
}

func (a *Account) exit() {
	a.active.Add(-1)
}
