package component

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/entitycore/pkg/entity"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/interceptor"
)

// Ref is a client-side reference to one entity. Refs are cheap values;
// two refs to the same identity are equal by Equals, not by pointer.
type Ref[B any] struct {
	component *Component[B]
	key       entity.PrimaryKey
}

// Component returns the component name.
func (r *Ref[B]) Component() string {
	return r.component.name
}

// PrimaryKey returns the referenced identity.
func (r *Ref[B]) PrimaryKey() entity.PrimaryKey {
	return r.key
}

// Invoke calls a business method. Remove and the identity methods are
// accepted by name as well.
func (r *Ref[B]) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	c := r.component

	if kind, ok := identityMethods[method]; ok {
		inv := interceptor.AcquireInvocation(c.name, method, kind)
		defer interceptor.ReleaseInvocation(inv)
		inv.Key = r.key
		inv.Args = args
		return c.identity.Invoke(ctx, inv)
	}

	if method == MethodRemove {
		inv := interceptor.AcquireInvocation(c.name, method, interceptor.KindRemove)
		defer interceptor.ReleaseInvocation(inv)
		inv.Key = r.key
		inv.Target = removeTarget
		return c.remove.Invoke(ctx, inv)
	}

	fn, ok := c.methods[method]
	if !ok {
		return nil, entityerrors.Newf(entityerrors.ErrorTypeValidation, "%s has no method %q", c.name, method)
	}

	inv := interceptor.AcquireInvocation(c.name, method, interceptor.KindBusiness)
	defer interceptor.ReleaseInvocation(inv)
	inv.Key = r.key
	inv.Args = args
	inv.Target = func(ctx context.Context, inv *interceptor.Invocation) (any, error) {
		return fn(ctx, inv.Instance.Bean().(B), inv.Args...)
	}
	return c.business.Invoke(ctx, inv)
}

// Remove removes the entity. Removing it again fails with not_found.
func (r *Ref[B]) Remove(ctx context.Context) error {
	_, err := r.Invoke(ctx, MethodRemove)
	return err
}

// Equals reports whether other references the same identity.
func (r *Ref[B]) Equals(other any) bool {
	res, err := r.Invoke(context.Background(), MethodEquals, other)
	if err != nil {
		return false
	}
	eq, _ := res.(bool)
	return eq
}

// IsIdentical is Equals restricted to identities.
func (r *Ref[B]) IsIdentical(other interceptor.Identity) bool {
	res, err := r.Invoke(context.Background(), MethodIsIdentical, other)
	if err != nil {
		return false
	}
	eq, _ := res.(bool)
	return eq
}

// HashCode hashes the referenced identity.
func (r *Ref[B]) HashCode() uint64 {
	res, _ := r.Invoke(context.Background(), MethodHashCode)
	h, _ := res.(uint64)
	return h
}

func (r *Ref[B]) String() string {
	return fmt.Sprintf("%s[%v]", r.component.name, r.key)
}
