package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/entitycore/internal/simulation"
	"github.com/ajitpratap0/entitycore/pkg/config"
	"github.com/ajitpratap0/entitycore/pkg/logger"
	"github.com/ajitpratap0/entitycore/pkg/observability"
)

// simulateFlags are command line overrides for the simulation config. Only
// flags set explicitly replace file or environment values.
type simulateFlags struct {
	configFile  string
	output      string
	metricsAddr string
	logLevel    string
	sim         config.SimulationConfig
}

func newSimulateCommand() *cobra.Command {
	f := &simulateFlags{}
	defaults := config.NewDefaultConfig("Account").Simulation

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a contention workload against a demo Account component",
		Long: `Run many workers against a few Account identities with a mix of
transactional calls, removals and faults, then print a JSON report of what
the pool, cache, locks and transactions did.

Example:
  entitycore simulate --workers 32 --identities 4 --calls 1000 --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configFile, "config", "c", "", "Configuration file (optional)")
	flags.StringVarP(&f.output, "output", "o", "", "Write the report to this file instead of stdout")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	flags.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.IntVar(&f.sim.Workers, "workers", defaults.Workers, "Concurrent callers")
	flags.IntVar(&f.sim.Identities, "identities", defaults.Identities, "Distinct accounts")
	flags.IntVar(&f.sim.Calls, "calls", defaults.Calls, "Calls per worker")
	flags.Float64Var(&f.sim.TxRatio, "tx-ratio", defaults.TxRatio, "Fraction of calls made inside a transaction")
	flags.Float64Var(&f.sim.FaultRatio, "fault-ratio", defaults.FaultRatio, "Fraction of calls that fault inside the bean")
	flags.Float64Var(&f.sim.RemoveRatio, "remove-ratio", defaults.RemoveRatio, "Fraction of calls that remove the account")
	flags.DurationVar(&f.sim.HoldTime, "hold", defaults.HoldTime, "How long each deposit holds the instance")
	flags.Int64Var(&f.sim.Seed, "seed", 0, "Workload seed (0 = time based)")
	return cmd
}

// loadSimulationConfig layers explicitly set flags over the file and
// environment configuration.
func loadSimulationConfig(cmd *cobra.Command, f *simulateFlags) (*config.Config, error) {
	cfg, err := config.LoadWithViper(f.configFile)
	if err != nil {
		return nil, err
	}
	if f.configFile == "" {
		cfg.Name = "Account"
	}

	changed := cmd.Flags().Changed
	if changed("workers") {
		cfg.Simulation.Workers = f.sim.Workers
	}
	if changed("identities") {
		cfg.Simulation.Identities = f.sim.Identities
	}
	if changed("calls") {
		cfg.Simulation.Calls = f.sim.Calls
	}
	if changed("tx-ratio") {
		cfg.Simulation.TxRatio = f.sim.TxRatio
	}
	if changed("fault-ratio") {
		cfg.Simulation.FaultRatio = f.sim.FaultRatio
	}
	if changed("remove-ratio") {
		cfg.Simulation.RemoveRatio = f.sim.RemoveRatio
	}
	if changed("hold") {
		cfg.Simulation.HoldTime = f.sim.HoldTime
	}
	if changed("seed") {
		cfg.Simulation.Seed = f.sim.Seed
	}
	if changed("metrics-addr") {
		cfg.Observability.MetricsAddr = f.metricsAddr
	}
	if changed("log-level") {
		cfg.Observability.LogLevel = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSimulation(cmd *cobra.Command, f *simulateFlags) error {
	cfg, err := loadSimulationConfig(cmd, f)
	if err != nil {
		return err
	}

	obs := observability.FromConfig(cfg)
	obs.LogOutputs = []string{"stderr"}
	if err := observability.Initialize(obs); err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	log := logger.Get()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := serveMetrics(addr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sim, err := simulation.New(cfg, log)
	if err != nil {
		return err
	}
	report, err := sim.Run(ctx)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	var out io.Writer = cmd.OutOrStdout()
	if f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("creating report file: %w", err)
		}
		defer file.Close()
		out = file
	}
	if err := report.WriteJSON(out); err != nil {
		return err
	}

	if !report.Consistent() {
		return fmt.Errorf("simulation found %d overlapping calls, %d leaked locks and %d diverged balances",
			report.Violations, report.Leaked, report.Divergent)
	}
	return nil
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
