package interceptor

import (
	"context"

	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
)

// Chain is an ordered, immutable list of stages. The continuation of every
// position is built once, so invoking a chain allocates nothing.
type Chain struct {
	name         string
	interceptors []Interceptor
	handlers     []Handler
}

// NewChain builds a chain. The last stage must not call next.
func NewChain(name string, interceptors ...Interceptor) *Chain {
	c := &Chain{
		name:         name,
		interceptors: interceptors,
		handlers:     make([]Handler, len(interceptors)+1),
	}

	c.handlers[len(interceptors)] = func(context.Context, *Invocation) (any, error) {
		return nil, entityerrors.Newf(entityerrors.ErrorTypeIllegalState,
			"chain %s ran past its last stage", c.name)
	}
	for i := len(interceptors) - 1; i >= 0; i-- {
		stage, next := interceptors[i], c.handlers[i+1]
		c.handlers[i] = func(ctx context.Context, inv *Invocation) (any, error) {
			return stage.Invoke(ctx, inv, next)
		}
	}
	return c
}

// Name returns the chain name.
func (c *Chain) Name() string {
	return c.name
}

// Len returns the number of stages.
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Invoke runs inv through the chain.
func (c *Chain) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	return c.handlers[0](ctx, inv)
}
