// Package testutil provides helpers shared by the entitycore test suites.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// LogLevelEnv overrides the level of TestLogger, e.g. debug to trace every
// invocation of a failing test.
const LogLevelEnv = "ENTITYCORE_TEST_LOG_LEVEL"

// testTimeout bounds TestContext.
const testTimeout = 30 * time.Second

// TestLogger returns a logger writing to the test output at info level,
// or at the level named by LogLevelEnv.
func TestLogger(t *testing.T) *zap.Logger {
	level := zapcore.InfoLevel
	if s := os.Getenv(LogLevelEnv); s != "" {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			t.Fatalf("%s=%q: %v", LogLevelEnv, s, err)
		}
	}
	return zaptest.NewLogger(t, zaptest.Level(level))
}

// TestContext returns a context that is cancelled when the test ends or
// after testTimeout, whichever comes first.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually polls condition every 10ms and fails the test if it is
// still false after timeout.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for !condition() {
		select {
		case <-ticker.C:
		case <-deadline:
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
	}
}
