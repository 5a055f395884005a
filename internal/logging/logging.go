// Package logging provides the leveled logger used throughout the sync
// engine. It is a thin wrapper around zerolog exposing the printf-style
// surface the rest of the codebase calls.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // json or console
}

// Logger wraps a zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger constructs a logger writing to stderr.
func NewLogger(c Config) *Logger {
	return NewLoggerWithWriter(c, os.Stderr)
}

// NewLoggerWithWriter constructs a logger writing to w.
func NewLoggerWithWriter(c Config, w io.Writer) *Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(c.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	if strings.ToLower(c.Format) != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// WithField returns a logger with the field attached to every message.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *Logger) Debugf(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}

// DebugEnabled reports whether debug messages are emitted. Callers use it to
// avoid expensive argument construction.
func (l *Logger) DebugEnabled() bool {
	return l.zl.GetLevel() <= zerolog.DebugLevel
}
