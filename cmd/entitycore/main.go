package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/entitycore/pkg/config"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "entitycore",
		Short: "entitycore - entity instance manager",
		Long: `entitycore manages the instances of stateful entity components: pooling,
identity caching, ownership locking and transaction-scoped release.

The CLI manages component configuration and runs a contention workload that
exercises the instance manager end to end.`,
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entitycore v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(newConfigCommand())
	root.AddCommand(newSimulateCommand())
	return root
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check component configuration files",
	}

	var name string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init <file>",
		Short: "Write a configuration file with default values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.NewDefaultConfig(name)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&name, "name", "Account", "Component name")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Load a configuration file with environment overrides and validate it",
		Long: `Load a configuration file (YAML, JSON or TOML) layered over the defaults,
apply ENTITYCORE_* environment overrides and validate the result.

Example:
  ENTITYCORE_CACHE_CAPACITY=500 entitycore config validate account.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.LoadWithViper(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration valid: %s v%s\n", cfg.Name, cfg.Version)
			fmt.Fprintf(out, "  pool:    max_idle=%d prefill=%d\n", cfg.Pool.MaxIdle, cfg.Pool.Prefill)
			fmt.Fprintf(out, "  cache:   capacity=%d max_idle_age=%v\n", cfg.Cache.Capacity, cfg.Cache.MaxIdleAge)
			fmt.Fprintf(out, "  locking: reentrant=%t acquire_timeout=%v\n", cfg.Locking.Reentrant, cfg.Locking.AcquireTimeout)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
