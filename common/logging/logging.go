// Package logging provides the structured logger used throughout sheepcore.
//
// It is a thin façade over zap's SugaredLogger so call sites read as
// Debug(msg, key, val, key, val, ...) regardless of which concrete backend
// is wired underneath.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured, leveled logger bound to a module name.
type Logger struct {
	sugar  *zap.SugaredLogger
	module string
}

var (
	baseOnce sync.Once
	base     *zap.Logger
	level    = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func initBase() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.Level = level
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Logging itself must never be why the daemon fails to start.
		l = zap.NewNop()
	}
	base = l
}

// GetLogger returns a Logger scoped to the given module name, e.g.
// GetLogger("cluster/admission").
func GetLogger(module string) *Logger {
	baseOnce.Do(initBase)
	return &Logger{
		sugar:  base.Sugar().With("module", module),
		module: module,
	}
}

// With returns a child logger with the given key/value pairs attached to
// every subsequent line.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keyvals...), module: l.module}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.sugar.Debugw(msg, keyvals...) }
func (l *Logger) Info(msg string, keyvals ...interface{})  { l.sugar.Infow(msg, keyvals...) }
func (l *Logger) Warn(msg string, keyvals ...interface{})  { l.sugar.Warnw(msg, keyvals...) }
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.sugar.Errorw(msg, keyvals...) }

// SetLevel overrides the global minimum log level (used by the CLI's
// --log-level flag).
func SetLevel(lvl zapcore.Level) {
	baseOnce.Do(initBase)
	level.SetLevel(lvl)
}
