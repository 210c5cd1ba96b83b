// Package logger provides the process-wide structured logger for entitycore
package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// contextKey is the type for context keys
type contextKey string

const (
	// InvocationIDKey is the context key for the invocation id
	InvocationIDKey contextKey = "invocation_id"
	// ComponentKey is the context key for the entity component name
	ComponentKey contextKey = "component"
	// TransactionKey is the context key for the transaction key
	TransactionKey contextKey = "tx"
)

// WithInvocation returns ctx annotated with the invocation id and component.
func WithInvocation(ctx context.Context, id, component string) context.Context {
	ctx = context.WithValue(ctx, InvocationIDKey, id)
	return context.WithValue(ctx, ComponentKey, component)
}

// WithTransaction returns ctx annotated with a transaction key.
func WithTransaction(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, TransactionKey, key)
}

// Config represents logger configuration
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
}

// Init initializes the global logger
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = newLogger(cfg)
	})
	return err
}

// newLogger creates a new zap logger
func newLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.Development {
		logger = logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return logger, nil
}

// Get returns the global logger
func Get() *zap.Logger {
	if globalLogger == nil {
		// Create a default logger if not initialized
		cfg := Config{
			Level:       "info",
			Development: false,
			Encoding:    "json",
		}
		if err := Init(cfg); err != nil {
			// Fallback to basic logger
			logger, _ := zap.NewProduction()
			globalLogger = logger
		}
	}
	return globalLogger
}

// Enrich adds the invocation, component and transaction found in ctx to l.
func Enrich(ctx context.Context, l *zap.Logger) *zap.Logger {
	if id, ok := ctx.Value(InvocationIDKey).(string); ok {
		l = l.With(zap.String("invocation_id", id))
	}

	if component, ok := ctx.Value(ComponentKey).(string); ok {
		l = l.With(zap.String("component", component))
	}

	if key, ok := ctx.Value(TransactionKey).(string); ok {
		l = l.With(zap.String("tx", key))
	}

	return l
}

// Sync flushes any buffered log entries
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
