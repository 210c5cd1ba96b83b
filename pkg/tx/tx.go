// Package tx defines the transaction contract the instance manager depends
// on and ships an in-memory transaction manager implementing it.
//
// The manager only needs three things from a transaction service: the key
// of the ambient transaction, a way to register an interposed
// synchronization, and a way to doom the transaction. Registry captures
// exactly that so any transaction service can be adapted.
package tx

import (
	"context"
)

// Key identifies a transaction.
type Key string

// Status represents the state of a transaction
type Status int

const (
	// StatusActive is a running transaction
	StatusActive Status = iota
	// StatusMarkedRollback is a running transaction that can only roll back
	StatusMarkedRollback
	// StatusPreparing is a transaction running its before-completion callbacks
	StatusPreparing
	// StatusCommitted is a committed transaction
	StatusCommitted
	// StatusRolledBack is a rolled back transaction
	StatusRolledBack
	// StatusUnknown is reported when the outcome could not be determined
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusMarkedRollback:
		return "MARKED_ROLLBACK"
	case StatusPreparing:
		return "PREPARING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// IsCompleted reports whether s is a final status.
func (s Status) IsCompleted() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusUnknown
}

// Synchronization is a completion callback registered with a transaction.
type Synchronization interface {
	// BeforeCompletion runs before the outcome is decided. An error forces
	// a rollback.
	BeforeCompletion() error
	// AfterCompletion runs once the outcome is final.
	AfterCompletion(status Status)
}

// Registry is the view of the ambient transaction service used by the
// instance manager.
type Registry interface {
	// CurrentTransactionKey returns the key of the transaction associated
	// with ctx, if any.
	CurrentTransactionKey(ctx context.Context) (Key, bool)

	// RegisterInterposedSynchronization registers s with the transaction
	// associated with ctx. Interposed synchronizations run after all
	// regular ones in BeforeCompletion and before them in AfterCompletion.
	RegisterInterposedSynchronization(ctx context.Context, s Synchronization) error

	// SetRollbackOnly dooms the transaction associated with ctx.
	SetRollbackOnly(ctx context.Context) error
}

// NoTransactions is a Registry for environments without a transaction
// service. Every call runs outside a transaction.
type NoTransactions struct{}

// CurrentTransactionKey always reports no transaction.
func (NoTransactions) CurrentTransactionKey(context.Context) (Key, bool) {
	return "", false
}

// RegisterInterposedSynchronization always fails.
func (NoTransactions) RegisterInterposedSynchronization(context.Context, Synchronization) error {
	return ErrNoTransaction
}

// SetRollbackOnly always fails.
func (NoTransactions) SetRollbackOnly(context.Context) error {
	return ErrNoTransaction
}
