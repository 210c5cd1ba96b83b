package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEnrich(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := WithInvocation(context.Background(), "inv-1", "Account")
	ctx = WithTransaction(ctx, "tx-1")
	Enrich(ctx, base).Info("called")
	Enrich(context.Background(), base).Info("bare")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]interface{}{
		"invocation_id": "inv-1",
		"component":     "Account",
		"tx":            "tx-1",
	}, entries[0].ContextMap())
	assert.Empty(t, entries[1].ContextMap())
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := newLogger(Config{Level: "loud", Encoding: "json"})
	assert.Error(t, err)

	l, err := newLogger(Config{Level: "debug", Encoding: "console", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}
