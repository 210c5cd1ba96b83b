// Package pool provides the object pools used by entitycore.
//
// The package provides:
//   - Generic type-safe object pooling with Pool[T], a sync.Pool wrapper for
//     short-lived scratch objects such as invocations
//   - Bounded[T], an explicit idle stack with a cap, prefill and destroy
//     hooks, for objects whose reuse has to be observable and accounted
//
// Example usage:
//
//	invocations := pool.New(
//	    func() *Invocation { return &Invocation{} },
//	    func(inv *Invocation) { inv.Reset() },
//	)
//	inv := invocations.Get()
//	defer invocations.Put(inv)
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool represents a generic object pool with type safety.
// It wraps sync.Pool with statistics tracking and automatic reset.
// The pool is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	new   func() T
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		gets      int64
		puts      int64
	}
}

// New creates a new typed pool with custom allocation and reset functions.
// The new function is called when the pool is empty. The reset function, if
// any, is called before an object goes back to the pool.
func New[T any](new func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{
		new:   new,
		reset: reset,
	}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return new()
	}
	return p
}

// Get retrieves an object from the pool, allocating one when it is empty.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	atomic.AddInt64(&p.stats.gets, 1)
	return p.pool.Get().(T)
}

// Put resets obj and returns it to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	atomic.AddInt64(&p.stats.puts, 1)
	p.pool.Put(obj)
}

// Stats holds Pool counters
type Stats struct {
	Allocated int64 `json:"allocated"`
	InUse     int64 `json:"in_use"`
	Gets      int64 `json:"gets"`
	Puts      int64 `json:"puts"`
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Allocated: atomic.LoadInt64(&p.stats.allocated),
		InUse:     atomic.LoadInt64(&p.stats.inUse),
		Gets:      atomic.LoadInt64(&p.stats.gets),
		Puts:      atomic.LoadInt64(&p.stats.puts),
	}
}
