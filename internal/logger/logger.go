// Package logger holds the process-wide sugared zap logger used across
// the API, the settlement scheduler, and the migration runner.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.Mutex
	sugar *zap.SugaredLogger
)

// Init builds the shared logger once. Production gets JSON output for log
// shipping; anything else gets a console encoder with readable timestamps.
// Later calls are no-ops.
func Init(env string) {
	mu.Lock()
	defer mu.Unlock()
	if sugar != nil {
		return
	}
	sugar = build(env).Sugar()
}

func build(env string) *zap.Logger {
	if env == "production" {
		base, err := zap.NewProduction()
		if err != nil {
			return zap.NewNop()
		}
		return base
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	base, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return base
}

// Get returns the shared logger, initializing a development one when Init
// was never called (tests and the migrate binary rely on this).
func Get() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if sugar == nil {
		sugar = build("development").Sugar()
	}
	return sugar
}

// Sync flushes buffered entries. Called on shutdown.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if sugar != nil {
		_ = sugar.Sync()
	}
}
