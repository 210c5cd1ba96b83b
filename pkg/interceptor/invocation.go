// Package interceptor implements the invocation pipeline wrapped around
// every call on an entity instance.
//
// A call travels through an ordered Chain of stages. Each stage receives
// the Invocation and a continuation for the rest of the chain:
//
//	ObservabilityInterceptor   span, metrics, logging
//	AssociationInterceptor     key -> pinned cached instance
//	SynchronizationInterceptor ownership lock + transaction synchronization
//	ReentrancyInterceptor      rejects loop-back calls on non-reentrant beans
//	RemoveInterceptor          marks the instance removed after remove()
//	DispatchInterceptor        runs the business method, discards on fault
//
// Creation replaces association with CreateInterceptor, finders use
// FinderInterceptor, and identity methods (equals, hash code, primary key)
// are answered by IdentityInterceptor without touching the cache.
package interceptor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/pool"
)

// MethodKind tells the pipeline what a method does to the instance.
type MethodKind int

const (
	// KindBusiness is an ordinary business method on an existing identity
	KindBusiness MethodKind = iota
	// KindCreate creates a new identity
	KindCreate
	// KindRemove removes an identity
	KindRemove
	// KindFinder runs a lookup on an unassociated instance
	KindFinder
	// KindEquals compares two references by identity
	KindEquals
	// KindHashCode hashes a reference's identity
	KindHashCode
	// KindIsIdentical is KindEquals under another name
	KindIsIdentical
	// KindPrimaryKey returns a reference's identity
	KindPrimaryKey
)

func (k MethodKind) String() string {
	switch k {
	case KindBusiness:
		return "business"
	case KindCreate:
		return "create"
	case KindRemove:
		return "remove"
	case KindFinder:
		return "finder"
	case KindEquals:
		return "equals"
	case KindHashCode:
		return "hash_code"
	case KindIsIdentical:
		return "is_identical"
	case KindPrimaryKey:
		return "primary_key"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Invocation carries one call through the chain.
type Invocation struct {
	ID        string
	Component string
	Method    string
	Kind      MethodKind
	// Key is the target identity, set by CreateInterceptor for creations.
	Key  entity.PrimaryKey
	Args []any
	// Instance is resolved by the association, create or finder stage.
	Instance *entity.Instance
	// Target runs the business method on Instance.
	Target Handler
}

// Handler runs the rest of a chain.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Interceptor is one pipeline stage. It either calls next or ends the call.
type Interceptor interface {
	Invoke(ctx context.Context, inv *Invocation, next Handler) (any, error)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, inv *Invocation, next Handler) (any, error)

// Invoke implements Interceptor.
func (f InterceptorFunc) Invoke(ctx context.Context, inv *Invocation, next Handler) (any, error) {
	return f(ctx, inv, next)
}

var invocations = pool.New(
	func() *Invocation { return &Invocation{} },
	func(inv *Invocation) { *inv = Invocation{} },
)

// AcquireInvocation returns a zeroed Invocation with a fresh ID. Hand it
// back with ReleaseInvocation once the chain returned.
func AcquireInvocation(component, method string, kind MethodKind) *Invocation {
	inv := invocations.Get()
	inv.ID = uuid.NewString()
	inv.Component = component
	inv.Method = method
	inv.Kind = kind
	return inv
}

// ReleaseInvocation returns inv to the pool. inv must not be used after.
func ReleaseInvocation(inv *Invocation) {
	invocations.Put(inv)
}

// InvocationStats returns the invocation pool counters.
func InvocationStats() pool.Stats {
	return invocations.Stats()
}
