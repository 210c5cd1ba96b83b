package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// BoundedConfig configures a Bounded pool
type BoundedConfig struct {
	// Name labels log lines
	Name string
	// MaxIdle caps the idle stack; surplus returns are destroyed. Zero means
	// no cap.
	MaxIdle int
}

// BoundedStats provides statistics about a Bounded pool
type BoundedStats struct {
	Created   int64   `json:"created"`
	Reused    int64   `json:"reused"`
	Destroyed int64   `json:"destroyed"`
	Active    int64   `json:"active"`
	Idle      int64   `json:"idle"`
	ReuseRate float64 `json:"reuse_rate"`
}

// Bounded is an object pool with an explicit LIFO idle stack. Unlike Pool it
// never drops objects silently: every object either sits on the idle stack,
// is checked out, or has been passed to the destroy hook.
type Bounded[T any] struct {
	config  BoundedConfig
	logger  *zap.Logger
	factory func(ctx context.Context) (T, error)
	destroy func(T)

	idle []T

	activeCount    int64
	idleCount      int64
	totalCreated   int64
	totalReused    int64
	totalDestroyed int64

	mu sync.Mutex
}

// NewBounded creates a bounded pool. destroy may be nil.
func NewBounded[T any](config BoundedConfig, factory func(ctx context.Context) (T, error), destroy func(T), logger *zap.Logger) *Bounded[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bounded[T]{
		config:  config,
		logger:  logger.With(zap.String("component", "bounded_pool"), zap.String("pool", config.Name)),
		factory: factory,
		destroy: destroy,
	}
}

// Get pops the most recently returned idle object, or creates one. reused
// reports which of the two happened.
func (b *Bounded[T]) Get(ctx context.Context) (obj T, reused bool, err error) {
	b.mu.Lock()
	if n := len(b.idle); n > 0 {
		obj = b.idle[n-1]
		var zero T
		b.idle[n-1] = zero
		b.idle = b.idle[:n-1]
		b.mu.Unlock()

		atomic.AddInt64(&b.idleCount, -1)
		atomic.AddInt64(&b.activeCount, 1)
		atomic.AddInt64(&b.totalReused, 1)
		return obj, true, nil
	}
	b.mu.Unlock()

	obj, err = b.factory(ctx)
	if err != nil {
		return obj, false, err
	}

	atomic.AddInt64(&b.activeCount, 1)
	atomic.AddInt64(&b.totalCreated, 1)

	b.logger.Debug("created new object",
		zap.Int64("active", atomic.LoadInt64(&b.activeCount)))
	return obj, false, nil
}

// Put returns a checked-out object to the idle stack, or destroys it when
// the stack is full.
func (b *Bounded[T]) Put(obj T) {
	b.mu.Lock()
	if b.config.MaxIdle > 0 && len(b.idle) >= b.config.MaxIdle {
		b.mu.Unlock()
		b.Destroy(obj)
		return
	}
	b.idle = append(b.idle, obj)
	b.mu.Unlock()

	atomic.AddInt64(&b.activeCount, -1)
	atomic.AddInt64(&b.idleCount, 1)
}

// Destroy disposes of a checked-out object.
func (b *Bounded[T]) Destroy(obj T) {
	atomic.AddInt64(&b.activeCount, -1)
	b.dispose(obj)
}

func (b *Bounded[T]) dispose(obj T) {
	atomic.AddInt64(&b.totalDestroyed, 1)
	if b.destroy != nil {
		b.destroy(obj)
	}
}

// Prefill creates objects until the idle stack holds n of them.
func (b *Bounded[T]) Prefill(ctx context.Context, n int) error {
	if b.config.MaxIdle > 0 && n > b.config.MaxIdle {
		n = b.config.MaxIdle
	}

	for {
		b.mu.Lock()
		have := len(b.idle)
		b.mu.Unlock()
		if have >= n {
			return nil
		}

		obj, err := b.factory(ctx)
		if err != nil {
			return err
		}
		atomic.AddInt64(&b.totalCreated, 1)

		b.mu.Lock()
		b.idle = append(b.idle, obj)
		b.mu.Unlock()
		atomic.AddInt64(&b.idleCount, 1)
	}
}

// Drain destroys every idle object.
func (b *Bounded[T]) Drain() int {
	b.mu.Lock()
	idle := b.idle
	b.idle = nil
	b.mu.Unlock()

	for _, obj := range idle {
		atomic.AddInt64(&b.idleCount, -1)
		b.dispose(obj)
	}

	if len(idle) > 0 {
		b.logger.Info("drained idle objects", zap.Int("destroyed", len(idle)))
	}
	return len(idle)
}

// Stats returns pool statistics.
func (b *Bounded[T]) Stats() BoundedStats {
	stats := BoundedStats{
		Created:   atomic.LoadInt64(&b.totalCreated),
		Reused:    atomic.LoadInt64(&b.totalReused),
		Destroyed: atomic.LoadInt64(&b.totalDestroyed),
		Active:    atomic.LoadInt64(&b.activeCount),
		Idle:      atomic.LoadInt64(&b.idleCount),
	}

	if total := stats.Created + stats.Reused; total > 0 {
		stats.ReuseRate = float64(stats.Reused) / float64(total) * 100
	}
	return stats
}
