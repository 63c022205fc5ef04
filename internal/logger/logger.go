// Package logger configures the process-wide zap logger used by the
// command line tools.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu            sync.Mutex
	defaultLogger *zap.Logger
)

// Level represents log level
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger writing to stderr and, if logPath is set, appending
// JSON lines to that file. Debug level switches to the development console
// encoder with colored levels.
func New(level Level, logPath string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == LevelDebug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Sampling = nil
	}
	cfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	cfg.OutputPaths = []string{"stderr"}

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l, nil
}

// Setup initializes the default logger with the specified configuration
func Setup(level Level, logPath string) (*zap.Logger, error) {
	l, err := New(level, logPath)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
	zap.ReplaceGlobals(l)
	return l, nil
}

// Get returns the default logger, creating an info-level one on first use
func Get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		l, err := New(LevelInfo, "")
		if err != nil {
			l = zap.NewNop()
		}
		defaultLogger = l
	}
	return defaultLogger
}

// With returns the default logger with additional fields
func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

// Sync flushes the default logger
func Sync() {
	_ = Get().Sync()
}

// LogPerformance logs the duration of an operation
func LogPerformance(operation string, duration time.Duration, success bool) {
	Get().Info("performance",
		zap.String("operation", operation),
		zap.Float64("duration_ms", float64(duration.Microseconds())/1000),
		zap.Bool("success", success),
	)
}

// StartOperation logs the start of an operation and returns a function that
// logs its outcome
func StartOperation(operation string, fields ...zap.Field) func(error) {
	start := time.Now()
	l := Get().With(zap.String("operation", operation))
	l.Info("operation_start", fields...)

	return func(err error) {
		done := append([]zap.Field{zap.Duration("duration", time.Since(start))}, fields...)
		if err != nil {
			l.Error("operation_failed", append(done, zap.Error(err))...)
			return
		}
		l.Info("operation_complete", done...)
	}
}
