package interceptor

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
)

// Identity is anything that names one entity: a component and a key.
type Identity interface {
	Component() string
	PrimaryKey() entity.PrimaryKey
}

// SameIdentity reports whether other names the entity (component, key).
func SameIdentity(component string, key entity.PrimaryKey, other Identity) bool {
	if other == nil {
		return false
	}
	return other.Component() == component && other.PrimaryKey() == key
}

// HashCode hashes an identity. Equal identities hash equally.
func HashCode(component string, key entity.PrimaryKey) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(component)
	_, _ = d.WriteString("\x00")
	_, _ = fmt.Fprintf(d, "%T\x00%v", key, key)
	return d.Sum64()
}

// IdentityInterceptor is the terminal stage for equality, hashing and key
// methods. They are answered from the invocation's identity alone; no
// instance is resolved or locked.
type IdentityInterceptor struct{}

// Invoke implements Interceptor.
func (IdentityInterceptor) Invoke(_ context.Context, inv *Invocation, _ Handler) (any, error) {
	switch inv.Kind {
	case KindPrimaryKey:
		return inv.Key, nil
	case KindHashCode:
		return HashCode(inv.Component, inv.Key), nil
	case KindEquals, KindIsIdentical:
		if len(inv.Args) != 1 {
			return nil, entityerrors.Newf(entityerrors.ErrorTypeValidation,
				"%s takes one argument, got %d", inv.Method, len(inv.Args))
		}
		other, ok := inv.Args[0].(Identity)
		if !ok {
			return false, nil
		}
		return SameIdentity(inv.Component, inv.Key, other), nil
	default:
		return nil, entityerrors.Newf(entityerrors.ErrorTypeIllegalState,
			"%s is not an identity method (%s)", inv.Method, inv.Kind)
	}
}
