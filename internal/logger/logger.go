// Package logger provides structured, level-gated logging for the gateway.
//
// Every entry is a zerolog event carrying a fixed module name and an action:
//
//	{"level":"info","module":"DEID","action":"scrub","time":"...","message":"3 fields, 5 tokens"}
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are dropped.
//
// Usage:
//
//	log := logger.New("DEID", cfg.LogLevel)
//	log.Info("scrub", "3 fields, 5 tokens")
//	log.Errorf("analyze", "presidio: %v", err)
//
// Messages must never contain PHI. Log counts, entity types and field names.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Level represents a log severity.
type Level int

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota // fine-grained diagnostic output
	LevelInfo               // normal operational messages
	LevelWarn               // unexpected but recoverable conditions
	LevelError              // failures requiring attention
)

// console switches every logger created afterwards to zerolog's human-readable writer.
var console atomic.Bool

// SetFormat selects the output format for loggers created after the call.
// "console" gives coloured human-readable lines; anything else gives JSON.
func SetFormat(format string) {
	console.Store(strings.EqualFold(strings.TrimSpace(format), "console"))
}

// Logger writes structured log lines for a single module.
type Logger struct {
	module string
	level  atomic.Int32
	zl     zerolog.Logger
}

// New creates a Logger for the given module, gated at the given level string.
// Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	var out io.Writer = os.Stderr
	if console.Load() {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05.000"}
	}
	return NewWithWriter(module, levelStr, out)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(module, levelStr string, w io.Writer) *Logger {
	l := &Logger{module: strings.ToUpper(module)}
	l.zl = zerolog.New(w).With().Timestamp().Str("module", l.module).Logger()
	l.SetLevel(levelStr)
	return l
}

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(levelStr string) {
	l.level.Store(int32(parseLevel(levelStr)))
}

// Zerolog returns the underlying zerolog logger for middleware that needs it.
// Its level follows the level set at the time of the call.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl.Level(toZerolog(Level(l.level.Load())))
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.write(LevelDebug, action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.write(LevelInfo, action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.write(LevelWarn, action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.write(LevelError, action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	l.Debug(action, fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	l.Info(action, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

// Fatal logs at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

// write emits one entry if level >= the configured minimum.
func (l *Logger) write(level Level, action, msg string) {
	if level < Level(l.level.Load()) {
		return
	}
	l.zl.WithLevel(toZerolog(level)).Str("action", action).Msg(msg)
}

func toZerolog(level Level) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// parseLevel converts a string to a Level, defaulting to LevelInfo.
func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
