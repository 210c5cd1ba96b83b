// Package entity holds the data model of the instance manager and the two
// stores instances move between: the InstancePool of unassociated instances
// and the Cache of instances bound to a business identity.
//
// An instance is reachable from at most one of the two at any time. The
// pool hands instances out for creation and finder calls; creation moves
// them into the cache pinned; the cache returns them to the pool once they
// are removed, evicted or rolled back, and throws them away when a fault
// discards them.
package entity

import (
	"context"

	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
)

// PrimaryKey is a business identity. It must be a comparable value.
type PrimaryKey = any

// ValidateKey rejects keys that cannot identify an entity: nil keys are
// not found, keys that cannot be hashed are invalid.
func ValidateKey(key PrimaryKey) error {
	if key == nil {
		return entityerrors.New(entityerrors.ErrorTypeNotFound, "entity identity is nil")
	}
	if !hashable(key) {
		return entityerrors.Newf(entityerrors.ErrorTypeValidation, "entity identity of type %T is not comparable", key)
	}
	return nil
}

// hashable reports whether key can be used as a map key. A struct or array
// with interface fields only fails on the dynamic values it holds, so the
// check inserts key into a scratch map.
func hashable(key PrimaryKey) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	m := map[PrimaryKey]struct{}{key: {}}
	return len(m) == 1
}

// Lifecycle hooks. A bean implements the ones it cares about; every hook is
// optional except Creator for components that support creation.

// Creator initializes a fresh bean and returns its business identity.
type Creator interface {
	Create(ctx context.Context, args ...any) (PrimaryKey, error)
}

// PostCreator runs once the new identity is associated and locked.
type PostCreator interface {
	PostCreate(ctx context.Context, args ...any) error
}

// Remover runs the business side of a removal.
type Remover interface {
	Remove(ctx context.Context) error
}

// Storer flushes in-memory state before the transaction completes.
type Storer interface {
	Store(ctx context.Context) error
}

// Rollbacker reverts in-memory state after a rolled back transaction.
type Rollbacker interface {
	Rollback()
}

// Activator reloads the state of an identity the cache evicted earlier.
// Components with a bounded or aging cache need beans that implement it.
type Activator interface {
	Activate(ctx context.Context, key PrimaryKey) error
}

// Passivator runs when an idle instance is evicted from the cache.
type Passivator interface {
	Passivate()
}

// Resetter clears a bean before it is reused for another identity.
type Resetter interface {
	Reset()
}

// Destroyer runs when an instance is thrown away for good.
type Destroyer interface {
	Destroy()
}
