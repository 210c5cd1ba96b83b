package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
)

// LoadSuite is a base suite for tests that drive components from many
// goroutines. Each suite run gets a context bounded by Timeout.
type LoadSuite struct {
	suite.Suite
	Timeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// SetupSuite runs before all tests in the suite
func (s *LoadSuite) SetupSuite() {
	if s.Timeout <= 0 {
		s.Timeout = time.Minute
	}
	s.ctx, s.cancel = context.WithTimeout(context.Background(), s.Timeout)
	s.startTime = time.Now()
}

// TearDownSuite runs after all tests in the suite
func (s *LoadSuite) TearDownSuite() {
	s.cancel()
	s.T().Logf("load suite completed in %v", time.Since(s.startTime))
}

// Context returns the suite context
func (s *LoadSuite) Context() context.Context {
	return s.ctx
}

// LoadTest marks a test as a long running load test
func LoadTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}
}

// RunWorkers runs fn iterations times on each of workers goroutines and
// returns the first error. The context passed to fn is cancelled once any
// call fails.
func RunWorkers(ctx context.Context, workers, iterations int, fn func(ctx context.Context, worker, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fn(ctx, w, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Throughput checks an operation count against a minimum rate.
type Throughput struct {
	t      *testing.T
	name   string
	minOps float64
	maxLat time.Duration
}

// NewThroughput creates a throughput check labelled name.
func NewThroughput(t *testing.T, name string) *Throughput {
	return &Throughput{t: t, name: name}
}

// WithMinRate sets the minimum operations per second.
func (p *Throughput) WithMinRate(opsPerSec float64) *Throughput {
	p.minOps = opsPerSec
	return p
}

// WithMaxLatency sets the maximum mean time per operation.
func (p *Throughput) WithMaxLatency(d time.Duration) *Throughput {
	p.maxLat = d
	return p
}

// Run times fn, logs the result and fails the test when a target is missed.
func (p *Throughput) Run(fn func() (ops int64)) {
	p.t.Helper()

	start := time.Now()
	ops := fn()
	elapsed := time.Since(start)
	if ops <= 0 {
		p.t.Errorf("%s: no operations completed", p.name)
		return
	}

	rate := float64(ops) / elapsed.Seconds()
	mean := elapsed / time.Duration(ops)
	p.t.Logf("%s: %d ops in %v (%.0f ops/sec, %v mean)", p.name, ops, elapsed, rate, mean)

	if p.minOps > 0 && rate < p.minOps {
		p.t.Errorf("%s: rate %.0f ops/sec below target %.0f", p.name, rate, p.minOps)
	}
	if p.maxLat > 0 && mean > p.maxLat {
		p.t.Errorf("%s: mean latency %v exceeds target %v", p.name, mean, p.maxLat)
	}
}
