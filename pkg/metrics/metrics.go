// Package metrics provides Prometheus metrics for the entity instance
// manager: lock contention, invocation outcomes and latency, pool and cache
// occupancy, discards and transaction synchronizations.
//
// # Basic Usage
//
//	collector := metrics.NewCollector("Account")
//
//	timer := metrics.NewTimer("deposit")
//	err := ref.Invoke(ctx, "Deposit", 10)
//	collector.InvocationCompleted("deposit", metrics.OutcomeOf(err), timer.Stop())
//
// Every metric is labelled by component. A nil *Collector is valid and
// records nothing, which keeps tests free of global registry state.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
)

// Outcome labels for invocations
const (
	OutcomeSuccess     = "success"
	OutcomeApplication = "application_error"
	OutcomeFault       = "fault"
)

// OutcomeOf maps an invocation error onto an outcome label.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case entityerrors.IsRecoverable(err):
		return OutcomeApplication
	default:
		return OutcomeFault
	}
}

var (
	// LockAcquisitions counts ownership lock acquisitions.
	// Labels: component, contended (true/false)
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitycore_lock_acquisitions_total",
			Help: "Total number of ownership lock acquisitions",
		},
		[]string{"component", "contended"},
	)

	// LockWaitSeconds tracks how long callers waited for an ownership lock.
	LockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "entitycore_lock_wait_seconds",
			Help: "Time spent waiting for ownership locks",
			Buckets: []float64{
				1e-6, // 1μs - uncontended
				1e-5,
				1e-4,
				1e-3, // 1ms
				1e-2,
				1e-1,
				1, // 1s - long transactions ahead in line
				10,
			},
		},
		[]string{"component"},
	)

	// Invocations counts pipeline invocations.
	// Labels: component, method, outcome (success/application_error/fault)
	Invocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitycore_invocations_total",
			Help: "Total number of entity invocations",
		},
		[]string{"component", "method", "outcome"},
	)

	// InvocationLatency tracks the distribution of invocation latencies in seconds.
	InvocationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entitycore_invocation_duration_seconds",
			Help:    "Entity invocation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		},
		[]string{"component", "method"},
	)

	// PoolInstances tracks pooled instances by state (idle/active).
	PoolInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entitycore_pool_instances",
			Help: "Number of pool instances by state",
		},
		[]string{"component", "state"},
	)

	// CacheInstances tracks associated instances by state (pinned/idle).
	CacheInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entitycore_cache_instances",
			Help: "Number of cached instances by state",
		},
		[]string{"component", "state"},
	)

	// Discards counts instances thrown away.
	// Labels: component, reason (fault/evicted/destroyed)
	Discards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitycore_instance_discards_total",
			Help: "Total number of discarded instances",
		},
		[]string{"component", "reason"},
	)

	// Synchronizations counts transaction synchronizations.
	// Labels: component, event (registered/committed/rolled_back)
	Synchronizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitycore_tx_synchronizations_total",
			Help: "Total number of transaction synchronization events",
		},
		[]string{"component", "event"},
	)
)

// Collector records metrics for one component.
type Collector struct {
	name      string
	startTime time.Time

	mu     sync.RWMutex
	counts map[string]int64
}

// NewCollector creates a new metrics collector for a component.
func NewCollector(name string) *Collector {
	return &Collector{
		name:      name,
		startTime: time.Now(),
		counts:    make(map[string]int64),
	}
}

// Name returns the component label.
func (c *Collector) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

func (c *Collector) bump(key string) {
	c.mu.Lock()
	c.counts[key]++
	c.mu.Unlock()
}

// LockAcquired records one lock acquisition and the time spent waiting.
func (c *Collector) LockAcquired(wait time.Duration, contended bool) {
	if c == nil {
		return
	}
	label := "false"
	if contended {
		label = "true"
		c.bump("lock_contended")
	}
	LockAcquisitions.WithLabelValues(c.name, label).Inc()
	LockWaitSeconds.WithLabelValues(c.name).Observe(wait.Seconds())
	c.bump("lock_acquired")
}

// InvocationCompleted records one finished invocation.
func (c *Collector) InvocationCompleted(method, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	Invocations.WithLabelValues(c.name, method, outcome).Inc()
	InvocationLatency.WithLabelValues(c.name, method).Observe(d.Seconds())
	c.bump("invocations_" + outcome)
}

// PoolOccupancy sets the pool gauges.
func (c *Collector) PoolOccupancy(idle, active int64) {
	if c == nil {
		return
	}
	PoolInstances.WithLabelValues(c.name, "idle").Set(float64(idle))
	PoolInstances.WithLabelValues(c.name, "active").Set(float64(active))
}

// CacheOccupancy sets the cache gauges.
func (c *Collector) CacheOccupancy(pinned, idle int) {
	if c == nil {
		return
	}
	CacheInstances.WithLabelValues(c.name, "pinned").Set(float64(pinned))
	CacheInstances.WithLabelValues(c.name, "idle").Set(float64(idle))
}

// Discarded records an instance that will never be reused.
func (c *Collector) Discarded(reason string) {
	if c == nil {
		return
	}
	Discards.WithLabelValues(c.name, reason).Inc()
	c.bump("discards_" + reason)
}

// Synchronization records a transaction synchronization event.
func (c *Collector) Synchronization(event string) {
	if c == nil {
		return
	}
	Synchronizations.WithLabelValues(c.name, event).Inc()
	c.bump("sync_" + event)
}

// Counts returns a snapshot of the collector's local counters keyed by
// event name.
func (c *Collector) Counts() map[string]int64 {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// GetAll returns all current metric values
func (c *Collector) GetAll() map[string]interface{} {
	all := map[string]interface{}{
		"component":  c.name,
		"start_time": c.startTime,
		"uptime":     time.Since(c.startTime).Seconds(),
	}
	for k, v := range c.Counts() {
		all[k] = v
	}
	return all
}

// StartTime returns when the collector was created
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer name.
func (t *Timer) Name() string {
	return t.name
}

// Stop returns the elapsed duration since creation. It can be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// LatencyTracker provides percentile tracking over a sliding window
type LatencyTracker struct {
	mu      sync.Mutex
	values  []time.Duration
	maxSize int
}

// NewLatencyTracker creates a new latency tracker
func NewLatencyTracker(maxSize int) *LatencyTracker {
	return &LatencyTracker{
		values:  make([]time.Duration, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record records a latency value
func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.values) >= l.maxSize {
		l.values = l.values[1:]
	}
	l.values = append(l.values, d)
}

// GetPercentile returns the percentile value (0-100)
func (l *LatencyTracker) GetPercentile(p float64) time.Duration {
	l.mu.Lock()
	sorted := append([]time.Duration(nil), l.values...)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)) * p / 100)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
