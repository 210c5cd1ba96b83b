package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. ENTITYCORE_CACHE_CAPACITY.
const EnvPrefix = "ENTITYCORE"

// LoadWithViper reads a Config from path (any format viper understands)
// layered over the defaults, with ENTITYCORE_* environment overrides. An
// empty path loads defaults and environment only.
func LoadWithViper(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v, NewDefaultConfig("entitycore"))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every key of cfg as a viper default so that
// AutomaticEnv can resolve it.
func SetDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("name", cfg.Name)
	v.SetDefault("version", cfg.Version)

	v.SetDefault("pool.max_idle", cfg.Pool.MaxIdle)
	v.SetDefault("pool.prefill", cfg.Pool.Prefill)

	v.SetDefault("cache.capacity", cfg.Cache.Capacity)
	v.SetDefault("cache.max_idle_age", cfg.Cache.MaxIdleAge)
	v.SetDefault("cache.sweep_interval", cfg.Cache.SweepInterval)

	v.SetDefault("locking.reentrant", cfg.Locking.Reentrant)
	v.SetDefault("locking.acquire_timeout", cfg.Locking.AcquireTimeout)

	v.SetDefault("transactions.default_timeout", cfg.Transactions.DefaultTimeout)

	v.SetDefault("observability.enable_metrics", cfg.Observability.EnableMetrics)
	v.SetDefault("observability.metrics_addr", cfg.Observability.MetricsAddr)
	v.SetDefault("observability.enable_tracing", cfg.Observability.EnableTracing)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)

	v.SetDefault("simulation.workers", cfg.Simulation.Workers)
	v.SetDefault("simulation.identities", cfg.Simulation.Identities)
	v.SetDefault("simulation.calls", cfg.Simulation.Calls)
	v.SetDefault("simulation.tx_ratio", cfg.Simulation.TxRatio)
	v.SetDefault("simulation.fault_ratio", cfg.Simulation.FaultRatio)
	v.SetDefault("simulation.remove_ratio", cfg.Simulation.RemoveRatio)
	v.SetDefault("simulation.hold_time", cfg.Simulation.HoldTime)
	v.SetDefault("simulation.seed", cfg.Simulation.Seed)
}
