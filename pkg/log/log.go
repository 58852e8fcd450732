// Package log provides the package-level structured logger used throughout
// rendezvous. It wraps a single *zap.Logger so that call sites do not need
// to thread a logger through every constructor.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	lvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	l   = newLogger("rendezvous", lvl)
)

func newLogger(name string, level zap.AtomicLevel, opts ...zap.Option) *zap.Logger {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	opts = append([]zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}, opts...)
	return zap.New(core, opts...).Named(name)
}

// NewDefaultEncoderConfig returns the zapcore.EncoderConfig used by the
// package logger, for embedding loggers (such as the etcd client's own
// logfmt logger) that must match this package's log format.
func NewDefaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// NewLoggerWithLevel returns a new named *zap.Logger sharing this package's
// output sink but pinned to the given level, for adapting third-party
// loggers (memberlist, the etcd client) into zap.
func NewLoggerWithLevel(name string, level zapcore.Level, opts ...zap.Option) *zap.Logger {
	return newLogger(name, zap.NewAtomicLevelAt(level), opts...)
}

// SetLevel adjusts the level of the package logger at runtime (e.g. in
// response to a --verbose flag).
func SetLevel(level zapcore.Level) {
	mu.Lock()
	defer mu.Unlock()
	lvl.SetLevel(level)
}

func logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return l
}

func Debug(msg string, fields ...zap.Field) { logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger().Error(msg, fields...) }
func Fatal(args ...interface{})             { logger().Sugar().Fatal(args...) }

func Debugf(format string, args ...interface{}) { logger().Sugar().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { logger().Sugar().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { logger().Sugar().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { logger().Sugar().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { logger().Sugar().Fatalf(format, args...) }
