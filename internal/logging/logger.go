// Package logging provides leveled logging for the go-xcp runtime, wrapping
// zap the way sakateka-yanet2's common/go/logging package does: a console
// encoder that turns on color when attached to a terminal, built from an
// atomic level so it can be adjusted at runtime (GET_STATUS/log_level).
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// LogLevel mirrors the configuration option enumerated in spec.md §6
// (log_level ∈ 0..5); it maps onto zapcore's level scale with one extra
// "silent" rung at the top.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelSilent
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelSilent:
		return zapcore.FatalLevel + 1
	default:
		return zapcore.ErrorLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level LogLevel
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo}
}

// Logger wraps a zap.SugaredLogger behind the Debug/Info/Warn/Error +
// Printf/Debugf surface the rest of the codebase is written against, so
// call sites read the same way they would against the teacher's hand-rolled
// logger.
type Logger struct {
	sugar *zap.SugaredLogger
	atom  zap.AtomicLevel
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// New builds a Logger from Config.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	atom := zap.NewAtomicLevelAt(cfg.Level.zapLevel())
	zapCfg := zap.Config{
		Level:            atom,
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		// Fall back to a no-op core rather than panic; logging must never
		// take the runtime down.
		logger = zap.NewNop()
	}

	return &Logger{sugar: logger.Sugar(), atom: atom}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// SetLevel adjusts verbosity at runtime without rebuilding the logger.
func (l *Logger) SetLevel(level LogLevel) {
	l.atom.SetLevel(level.zapLevel())
}

func (l *Logger) Debug(msg string, kv ...any)  { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)   { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)   { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any)  { l.sugar.Errorw(msg, kv...) }

func (l *Logger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }

// Printf keeps call sites that expect a log.Logger-shaped Printf working.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Sync flushes buffered log entries; callers should defer it at process exit.
func (l *Logger) Sync() error { return l.sugar.Sync() }

// Global convenience functions, delegating to Default().
func Debug(msg string, kv ...any) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...any) { Default().Error(msg, kv...) }
