// Package eslog provides the structured JSON logger used across the event
// store core and its administrative surfaces. It is a thin, rotation-aware
// shim over go.uber.org/zap so call sites never need to import zap
// directly or know which sink backs the global logger.
package eslog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ledgerstream/eventstore/esconfig"
)

type contextKey string

var loggerContextKey = contextKey("eventstore-logger")

var (
	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level represents log verbosity ordering, independent of zapcore.Level so
// callers never need to import zap to pick one.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l Level) String() string { return l.zapLevel().String() }

func parseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// Field is a structured logging attribute. It is a direct alias of
// zap.Field so the typed constructors below cost nothing at the call site.
type Field = zap.Field

// String returns a string field.
func String(key, value string) Field { return zap.String(key, value) }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return zap.Int64(key, value) }

// Int returns an int field.
func Int(key string, value int) Field { return zap.Int(key, value) }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return zap.Bool(key, value) }

// Error returns an error field.
func Error(err error) Field { return zap.Error(err) }

// Logger emits JSON-formatted structured logs with optional contextual
// fields, backed by a zap.Logger writing to a lumberjack-rotated file and
// mirrored to stdout.
type Logger struct {
	z *zap.Logger
}

// New constructs a logger configured with on-disk rotation and stdout
// mirroring from cfg, and installs it as the package's global fallback.
func New(cfg esconfig.LoggingConfig) (*Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logging path must be specified")
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSizeMB <= 0 {
		return nil, errors.New("log max size must be positive")
	}
	if cfg.MaxBackups < 0 {
		return nil, errors.New("log max backups must be non-negative")
	}
	if cfg.MaxAgeDays < 0 {
		return nil, errors.New("log max age must be non-negative")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.MessageKey = "message"
	encoderCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)
	zapLevel := level.zapLevel()

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(rotator), zapLevel),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zapLevel),
	)

	z := zap.New(core, zap.Fields(zap.String("component", "eventstore")))
	logger := &Logger{z: z}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewTestLogger returns a logger that discards output, suitable for tests.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newNopLogger() *Logger {
	return &Logger{z: zap.NewNop()}
}

// ReplaceGlobals swaps the fallback logger used when no context logger is present.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With augments the logger with additional structured fields.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	return &Logger{z: l.z.With(fields...)}
}

// Sync flushes buffered output to durable storage.
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...Field) { l.emit(zapcore.DebugLevel, message, fields) }

// Info logs an informational message.
func (l *Logger) Info(message string, fields ...Field) { l.emit(zapcore.InfoLevel, message, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...Field) { l.emit(zapcore.WarnLevel, message, fields) }

// Error logs an error message.
func (l *Logger) Error(message string, fields ...Field) { l.emit(zapcore.ErrorLevel, message, fields) }

// Fatal logs a fatal message and exits the process.
func (l *Logger) Fatal(message string, fields ...Field) { l.emit(zapcore.FatalLevel, message, fields) }

// emit routes through zap's Check/Write pair rather than a one-shot
// logging call so level filtering happens in zapcore, not here; a Fatal
// entry still terminates the process once zap writes it.
func (l *Logger) emit(level zapcore.Level, message string, fields []Field) {
	if l == nil || l.z == nil {
		L().emit(level, message, fields)
		return
	}
	if ce := l.z.Check(level, message); ce != nil {
		ce.Write(fields...)
	}
}

// ContextWithLogger stores a logger in the provided context.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// FromContext retrieves a logger from context or falls back to the global logger.
func FromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return L()
	}
	if logger, ok := ctx.Value(loggerContextKey).(*Logger); ok && logger != nil {
		return logger
	}
	return L()
}
