package simulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/entitycore/pkg/component"
	"github.com/ajitpratap0/entitycore/pkg/config"
	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
	"github.com/ajitpratap0/entitycore/pkg/metrics"
	"github.com/ajitpratap0/entitycore/pkg/timer"
	"github.com/ajitpratap0/entitycore/pkg/tx"
)

// Operation outcomes counted in the report.
const (
	OutcomeOK         = "ok"
	OutcomeFault      = "fault"
	OutcomeNotFound   = "not_found"
	OutcomeRolledBack = "rolled_back"
	OutcomeRecreated  = "recreated"
)

type operation int

const (
	opDeposit operation = iota
	opRemove
	opFault
)

const latencyWindow = 10000

var errSimulatedFault = errors.New("simulated fault")

// Report summarizes one run.
type Report struct {
	Config       config.SimulationConfig `json:"config"`
	Elapsed      string                  `json:"elapsed"`
	Calls        int64                   `json:"calls"`
	CallsPerSec  float64                 `json:"calls_per_sec"`
	Latency      Latency                 `json:"latency"`
	Outcomes     map[string]int64        `json:"outcomes"`
	Violations   int64                   `json:"violations"`
	Leaked       int                     `json:"leaked"`
	Divergent    int                     `json:"divergent"`
	Ledger       int                     `json:"ledger_accounts"`
	Stores       int64                   `json:"ledger_stores"`
	Timers       timer.Stats             `json:"timers"`
	Component    component.Stats         `json:"component"`
	Transactions tx.ManagerStats         `json:"transactions"`
	Resources    ResourceUsage           `json:"resources"`
}

// Latency holds call latency percentiles over the most recent calls.
type Latency struct {
	P50 string `json:"p50"`
	P95 string `json:"p95"`
	P99 string `json:"p99"`
}

// Consistent reports whether the run kept every guarantee: no overlapping
// callers, no lock left held and no balance lost.
func (r *Report) Consistent() bool {
	return r.Violations == 0 && r.Leaked == 0 && r.Divergent == 0
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	data, err := gojson.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// Simulator owns an Account component and the transaction manager it runs
// under.
type Simulator struct {
	config   *config.Config
	logger   *zap.Logger
	txm      *tx.Manager
	timers   *timer.Service
	ledger   *Ledger
	accounts *component.Component[*Account]

	violations atomic.Int64
	calls      atomic.Int64
	mu         sync.Mutex
	outcomes   map[string]int64
	statements sync.Mutex
	latency    *metrics.LatencyTracker
}

// New builds a simulator from cfg. cfg.Simulation shapes the workload and
// the rest of cfg configures the Account component.
func New(cfg *config.Config, logger *zap.Logger) (*Simulator, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig("Account")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Simulator{
		config:   cfg,
		logger:   logger.With(zap.String("component", "simulation")),
		txm:      tx.NewManager(logger, tx.WithDefaultTimeout(cfg.Transactions.DefaultTimeout)),
		timers:   timer.NewService(logger),
		ledger:   NewLedger(),
		outcomes: make(map[string]int64),
		latency:  metrics.NewLatencyTracker(latencyWindow),
	}

	hold := cfg.Simulation.HoldTime
	accounts, err := component.New(cfg.Name, func(context.Context) (*Account, error) {
		return &Account{ledger: s.ledger, violations: &s.violations}, nil
	}, cfg,
		component.WithTransactions[*Account](s.txm),
		component.WithTimers[*Account](s.timers),
		component.WithLogger[*Account](logger),
		component.WithMethod("Deposit", func(_ context.Context, a *Account, args ...any) (any, error) {
			a.enter()
			defer a.exit()
			if hold > 0 {
				time.Sleep(hold)
			}
			a.balance += args[0].(int64)
			return a.balance, nil
		}),
		component.WithMethod("Balance", func(_ context.Context, a *Account, _ ...any) (any, error) {
			a.enter()
			defer a.exit()
			return a.balance, nil
		}),
		component.WithMethod("Audit", func(_ context.Context, a *Account, _ ...any) (any, error) {
			a.enter()
			defer a.exit()
			panic(errSimulatedFault)
		}),
		component.WithFinder("Open", func(_ context.Context, _ *Account, _ ...any) ([]any, error) {
			s.ledger.mu.Lock()
			defer s.ledger.mu.Unlock()
			keys := make([]any, 0, len(s.ledger.balances))
			for id := range s.ledger.balances {
				keys = append(keys, id)
			}
			return keys, nil
		}),
	)
	if err != nil {
		return nil, err
	}
	s.accounts = accounts
	return s, nil
}

// Accounts returns the simulated component.
func (s *Simulator) Accounts() *component.Component[*Account] {
	return s.accounts
}

// Ledger returns the committed balances.
func (s *Simulator) Ledger() *Ledger {
	return s.ledger
}

// Transactions returns the transaction manager.
func (s *Simulator) Transactions() *tx.Manager {
	return s.txm
}

// Run creates the accounts, drives the workload to completion and checks
// the end state.
func (s *Simulator) Run(ctx context.Context) (*Report, error) {
	sim := s.config.Simulation
	monitor := newResourceMonitor()

	if err := s.accounts.Start(ctx); err != nil {
		return nil, err
	}
	defer s.accounts.Stop()
	defer s.timers.Stop()

	for i := 0; i < sim.Identities; i++ {
		if _, err := s.accounts.Create(ctx, accountID(i)); err != nil {
			return nil, fmt.Errorf("creating %s: %w", accountID(i), err)
		}
	}

	seed := sim.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s.logger.Info("simulation starting",
		zap.Int("workers", sim.Workers),
		zap.Int("identities", sim.Identities),
		zap.Int("calls", sim.Calls),
		zap.Int64("seed", seed))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < sim.Workers; w++ {
		rng := rand.New(rand.NewSource(seed + int64(w)))
		g.Go(func() error {
			for i := 0; i < sim.Calls; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := s.call(gctx, rng); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	latency := Latency{
		P50: s.latency.GetPercentile(50).String(),
		P95: s.latency.GetPercentile(95).String(),
		P99: s.latency.GetPercentile(99).String(),
	}
	report := &Report{
		Config:       sim,
		Elapsed:      elapsed.String(),
		Calls:        s.calls.Load(),
		Outcomes:     s.snapshotOutcomes(),
		Violations:   s.violations.Load(),
		Latency:      latency,
		Ledger:       s.ledger.Len(),
		Stores:       s.ledger.Stores(),
		Timers:       s.timers.Stats(),
		Transactions: s.txm.Stats(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		report.CallsPerSec = float64(report.Calls) / secs
	}
	report.Leaked, report.Divergent = s.audit(ctx)
	report.Component = s.accounts.Stats()
	report.Resources = monitor.usage()

	s.logger.Info("simulation finished",
		zap.Duration("elapsed", elapsed),
		zap.Int64("calls", report.Calls),
		zap.Bool("consistent", report.Consistent()))
	return report, nil
}

// call makes one randomly chosen call against a random account.
func (s *Simulator) call(ctx context.Context, rng *rand.Rand) error {
	sim := s.config.Simulation
	id := accountID(rng.Intn(sim.Identities))
	op := opDeposit
	switch r := rng.Float64(); {
	case r < sim.FaultRatio:
		op = opFault
	case r < sim.FaultRatio+sim.RemoveRatio:
		op = opRemove
	}
	amount := int64(rng.Intn(100) + 1)

	ref, err := s.accounts.Ref(id)
	if err != nil {
		return err
	}
	run := func(ctx context.Context) error {
		switch op {
		case opRemove:
			return ref.Remove(ctx)
		case opFault:
			_, err := ref.Invoke(ctx, "Audit")
			return err
		default:
			_, err := ref.Invoke(ctx, "Deposit", amount)
			return err
		}
	}

	timer := metrics.NewTimer(opName(op))
	if rng.Float64() < sim.TxRatio {
		err = s.txm.Run(ctx, run)
	} else {
		err = run(ctx)
	}
	s.latency.Record(timer.Stop())
	s.calls.Add(1)

	switch {
	case err == nil:
		s.count(OutcomeOK)
		if op == opDeposit {
			return s.scheduleStatement(id)
		}
	case op == opFault:
		s.count(OutcomeFault)
		return s.recreate(ctx, id)
	case errors.Is(err, tx.ErrRolledBack):
		s.count(OutcomeRolledBack)
	case entityerrors.IsNotFound(err):
		s.count(OutcomeNotFound)
		return s.recreate(ctx, id)
	default:
		return fmt.Errorf("%s on %s: %w", opName(op), id, err)
	}
	return nil
}

// scheduleStatement keeps one pending statement timer per open account.
// Removing the account cancels it.
func (s *Simulator) scheduleStatement(id string) error {
	s.statements.Lock()
	defer s.statements.Unlock()
	if s.timers.Pending(s.accounts.Name(), id) > 0 {
		return nil
	}
	_, err := s.timers.Schedule(s.accounts.Name(), id, time.Hour, func() {
		s.logger.Debug("statement due", zap.String("account", id))
	})
	return err
}

// recreate opens id again after a removal or a fault. Losing the race to
// another worker, or to an instance still draining, is fine.
func (s *Simulator) recreate(ctx context.Context, id string) error {
	_, err := s.accounts.Create(ctx, id)
	switch {
	case err == nil:
		s.count(OutcomeRecreated)
		return nil
	case entityerrors.IsType(err, entityerrors.ErrorTypeConflict):
		return nil
	default:
		return fmt.Errorf("recreating %s: %w", id, err)
	}
}

// audit checks every cached account once the workload is over: no lock or
// pin may be left behind and the in-memory balance must match the ledger.
func (s *Simulator) audit(ctx context.Context) (leaked, divergent int) {
	cache := s.accounts.Cache()
	for _, key := range cache.Keys() {
		if cache.Pins(key) != 0 {
			leaked++
			continue
		}
		inst, err := cache.Get(ctx, key)
		if err != nil {
			continue
		}
		if inst.Lock().Depth() != 0 || inst.SyncTransaction() != "" {
			leaked++
		}
		a := inst.Bean().(*Account)
		if committed, ok := s.ledger.Balance(a.id); !ok || committed != a.balance {
			divergent++
			s.logger.Warn("balance diverged from ledger",
				zap.String("account", a.id),
				zap.Int64("balance", a.balance),
				zap.Int64("committed", committed))
		}
		cache.Release(inst, true)
	}
	return leaked, divergent
}

func (s *Simulator) count(outcome string) {
	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()
}

func (s *Simulator) snapshotOutcomes() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.outcomes))
	for k, v := range s.outcomes {
		out[k] = v
	}
	return out
}

func accountID(i int) string {
	return fmt.Sprintf("acct-%04d", i)
}

func opName(op operation) string {
	switch op {
	case opRemove:
		return "remove"
	case opFault:
		return "fault"
	default:
		return "deposit"
	}
}
