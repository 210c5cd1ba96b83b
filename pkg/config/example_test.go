package config_test

import (
	"fmt"
	"log"
	"time"

	"github.com/ajitpratap0/entitycore/pkg/config"
)

// ExampleNewDefaultConfig demonstrates creating a configuration with
// default values.
func ExampleNewDefaultConfig() {
	cfg := config.NewDefaultConfig("accounts")

	fmt.Printf("Pool Max Idle: %d\n", cfg.Pool.MaxIdle)
	fmt.Printf("Reentrant: %v\n", cfg.Locking.Reentrant)
	fmt.Printf("Transaction Timeout: %s\n", cfg.Transactions.DefaultTimeout)

	// Output:
	// Pool Max Idle: 100
	// Reentrant: true
	// Transaction Timeout: 5m0s
}

// ExampleConfig_Validate shows how to validate a configuration before
// using it.
func ExampleConfig_Validate() {
	cfg := config.NewDefaultConfig("accounts")

	cfg.Cache.Capacity = 10000
	cfg.Cache.MaxIdleAge = 10 * time.Minute
	cfg.Locking.AcquireTimeout = 2 * time.Second

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("Configuration is valid!")

	// Output:
	// Configuration is valid!
}

// ExampleConfig_cache shows a bounded cache that also ages out idle
// instances.
func ExampleConfig_cache() {
	cfg := config.NewDefaultConfig("orders")
	cfg.Cache.Capacity = 500
	cfg.Cache.MaxIdleAge = time.Minute
	cfg.Cache.SweepInterval = 5 * time.Second

	fmt.Printf("Bounded: %v\n", cfg.Cache.IsBounded())
	fmt.Printf("Ages Out: %v\n", cfg.Cache.AgesOut())

	// Output:
	// Bounded: true
	// Ages Out: true
}
