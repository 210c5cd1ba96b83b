// Package config provides the configuration system for entitycore.
// A single Config structure describes one entity component and the process
// hosting it, organized into logical sections:
//   - Pool: idle instance cap and prefill
//   - Cache: capacity and idle age-out of associated instances
//   - Locking: reentrancy and lock wait limits
//   - Transactions: in-memory transaction manager defaults
//   - Observability: metrics, tracing, logging
//   - Simulation: the contention workload run by the CLI
//
// Example usage:
//
//	cfg := config.NewDefaultConfig("accounts")
//	cfg.Cache.Capacity = 10000
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"time"

	"github.com/ajitpratap0/entitycore/pkg/entityerrors"
)

// Config is the unified configuration structure.
type Config struct {
	// Name identifies the component
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version" mapstructure:"version"`

	// Pool settings for unassociated instances
	Pool PoolConfig `yaml:"pool" json:"pool" mapstructure:"pool"`

	// Cache settings for associated instances
	Cache CacheConfig `yaml:"cache" json:"cache" mapstructure:"cache"`

	// Locking settings for the ownership lock and reentrancy guard
	Locking LockingConfig `yaml:"locking" json:"locking" mapstructure:"locking"`

	// Transactions settings for the in-memory transaction manager
	Transactions TransactionConfig `yaml:"transactions" json:"transactions" mapstructure:"transactions"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`

	// Simulation settings for the CLI workload
	Simulation SimulationConfig `yaml:"simulation" json:"simulation" mapstructure:"simulation"`
}

// PoolConfig controls the instance pool.
type PoolConfig struct {
	// MaxIdle caps pooled idle instances; surplus returns are destroyed (0 = unbounded)
	MaxIdle int `yaml:"max_idle" json:"max_idle" mapstructure:"max_idle"`
	// Prefill creates this many idle instances at startup
	Prefill int `yaml:"prefill" json:"prefill" mapstructure:"prefill"`
}

// CacheConfig controls the instance cache eviction policy. Pinned instances
// are never evicted.
type CacheConfig struct {
	// Capacity caps unpinned cached instances (0 = unbounded)
	Capacity int `yaml:"capacity" json:"capacity" mapstructure:"capacity"`
	// MaxIdleAge passivates instances unpinned for longer than this (0 = never)
	MaxIdleAge time.Duration `yaml:"max_idle_age" json:"max_idle_age" mapstructure:"max_idle_age"`
	// SweepInterval is how often the age-out sweep runs
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" mapstructure:"sweep_interval"`
}

// LockingConfig controls ownership locking.
type LockingConfig struct {
	// Reentrant allows an owner to call back into an instance it is already inside
	Reentrant bool `yaml:"reentrant" json:"reentrant" mapstructure:"reentrant"`
	// AcquireTimeout bounds lock waits (0 = wait until the context is done)
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout" mapstructure:"acquire_timeout"`
}

// TransactionConfig controls the in-memory transaction manager.
type TransactionConfig struct {
	// DefaultTimeout marks transactions still active after this rollback-only (0 = never)
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout" mapstructure:"default_timeout"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// EnableMetrics activates prometheus metrics collection
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	// MetricsAddr serves /metrics when set (e.g. ":9090")
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	// EnableTracing activates OpenTelemetry tracing
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate" mapstructure:"tracing_sample_rate"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	// LogFormat selects json or console output
	LogFormat string `yaml:"log_format" json:"log_format" mapstructure:"log_format"`
}

// SimulationConfig describes the contention workload.
type SimulationConfig struct {
	// Workers is the number of concurrent callers
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers"`
	// Identities is the number of distinct business identities
	Identities int `yaml:"identities" json:"identities" mapstructure:"identities"`
	// Calls is the number of calls each worker makes
	Calls int `yaml:"calls" json:"calls" mapstructure:"calls"`
	// TxRatio is the fraction of calls made inside a transaction
	TxRatio float64 `yaml:"tx_ratio" json:"tx_ratio" mapstructure:"tx_ratio"`
	// FaultRatio is the fraction of calls that panic inside the bean
	FaultRatio float64 `yaml:"fault_ratio" json:"fault_ratio" mapstructure:"fault_ratio"`
	// RemoveRatio is the fraction of calls that remove the entity
	RemoveRatio float64 `yaml:"remove_ratio" json:"remove_ratio" mapstructure:"remove_ratio"`
	// HoldTime is how long each business call holds the instance
	HoldTime time.Duration `yaml:"hold_time" json:"hold_time" mapstructure:"hold_time"`
	// Seed makes the workload reproducible (0 = time based)
	Seed int64 `yaml:"seed" json:"seed" mapstructure:"seed"`
}

// NewDefaultConfig creates a Config with defaults that work for most
// components.
func NewDefaultConfig(name string) *Config {
	return &Config{
		Name:    name,
		Version: "1.0.0",
		Pool: PoolConfig{
			MaxIdle: 100,
			Prefill: 0,
		},
		Cache: CacheConfig{
			Capacity:      0,
			MaxIdleAge:    0,
			SweepInterval: 30 * time.Second,
		},
		Locking: LockingConfig{
			Reentrant:      true,
			AcquireTimeout: 0,
		},
		Transactions: TransactionConfig{
			DefaultTimeout: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			EnableMetrics:     true,
			EnableTracing:     false,
			TracingSampleRate: 0.1,
			LogLevel:          "info",
			LogFormat:         "json",
		},
		Simulation: SimulationConfig{
			Workers:     8,
			Identities:  16,
			Calls:       500,
			TxRatio:     0.5,
			FaultRatio:  0.01,
			RemoveRatio: 0.01,
			HoldTime:    50 * time.Microsecond,
		},
	}
}

func invalid(format string, args ...interface{}) error {
	return entityerrors.Newf(entityerrors.ErrorTypeConfig, format, args...)
}

// Validate checks required fields and ensures values are within acceptable
// ranges.
func (c *Config) Validate() error {
	if c.Name == "" {
		return invalid("name is required")
	}
	if c.Pool.MaxIdle < 0 {
		return invalid("pool.max_idle cannot be negative")
	}
	if c.Pool.Prefill < 0 {
		return invalid("pool.prefill cannot be negative")
	}
	if c.Pool.MaxIdle > 0 && c.Pool.Prefill > c.Pool.MaxIdle {
		return invalid("pool.prefill (%d) exceeds pool.max_idle (%d)", c.Pool.Prefill, c.Pool.MaxIdle)
	}
	if c.Cache.Capacity < 0 {
		return invalid("cache.capacity cannot be negative")
	}
	if c.Cache.MaxIdleAge < 0 {
		return invalid("cache.max_idle_age cannot be negative")
	}
	if c.Cache.MaxIdleAge > 0 && c.Cache.SweepInterval <= 0 {
		return invalid("cache.sweep_interval must be positive when cache.max_idle_age is set")
	}
	if c.Locking.AcquireTimeout < 0 {
		return invalid("locking.acquire_timeout cannot be negative")
	}
	if c.Transactions.DefaultTimeout < 0 {
		return invalid("transactions.default_timeout cannot be negative")
	}
	if r := c.Observability.TracingSampleRate; r < 0 || r > 1 {
		return invalid("observability.tracing_sample_rate must be within [0, 1]")
	}
	switch c.Observability.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("observability.log_level %q is not one of debug, info, warn, error", c.Observability.LogLevel)
	}
	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		return invalid("observability.log_format %q is not one of json, console", c.Observability.LogFormat)
	}
	return c.Simulation.Validate()
}

// Validate checks the workload description.
func (s *SimulationConfig) Validate() error {
	if s.Workers <= 0 {
		return invalid("simulation.workers must be positive")
	}
	if s.Identities <= 0 {
		return invalid("simulation.identities must be positive")
	}
	if s.Calls < 0 {
		return invalid("simulation.calls cannot be negative")
	}
	for name, r := range map[string]float64{
		"tx_ratio":     s.TxRatio,
		"fault_ratio":  s.FaultRatio,
		"remove_ratio": s.RemoveRatio,
	} {
		if r < 0 || r > 1 {
			return invalid("simulation.%s must be within [0, 1]", name)
		}
	}
	return nil
}

// IsBounded reports whether the cache has a capacity limit
func (c *CacheConfig) IsBounded() bool {
	return c.Capacity > 0
}

// AgesOut reports whether idle instances are passivated by age
func (c *CacheConfig) AgesOut() bool {
	return c.MaxIdleAge > 0
}
