package kurir

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"go.uber.org/zap"
)

// Logger is the structured logging surface used throughout kurir. keysAndValues
// are alternating key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DebugConfig controls which pipeline stages emit debug logs.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogCache     bool
	LogQueue     bool
	LogRecovery  bool
	RequestIDGen func() string
}

// DefaultDebugConfig returns a disabled config with every stage selected.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogRetries:   true,
		LogCache:     true,
		LogQueue:     true,
		LogRecovery:  true,
		RequestIDGen: uuid.NewString,
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger discards everything.
func NopLogger() Logger {
	return nopLogger{}
}

// SlogLogger adapts a *slog.Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l; a nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

func (s *SlogLogger) Debug(msg string, keysAndValues ...any) { s.l.Debug(msg, keysAndValues...) }
func (s *SlogLogger) Info(msg string, keysAndValues ...any)  { s.l.Info(msg, keysAndValues...) }
func (s *SlogLogger) Warn(msg string, keysAndValues ...any)  { s.l.Warn(msg, keysAndValues...) }
func (s *SlogLogger) Error(msg string, keysAndValues ...any) { s.l.Error(msg, keysAndValues...) }

// NewSimpleLogger returns a colorized console logger on stderr at debug level.
func NewSimpleLogger() *SlogLogger {
	return NewConsoleLogger(os.Stderr, slog.LevelDebug)
}

// NewConsoleLogger returns a tint-formatted logger writing to w.
func NewConsoleLogger(w io.Writer, level slog.Level) *SlogLogger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
	return NewSlogLogger(slog.New(handler))
}

// ZapLogger adapts a *zap.Logger through its sugared API.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps l; a nil l uses zap.NewNop().
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{s: l.Sugar()}
}

func (z *ZapLogger) Debug(msg string, keysAndValues ...any) { z.s.Debugw(msg, keysAndValues...) }
func (z *ZapLogger) Info(msg string, keysAndValues ...any)  { z.s.Infow(msg, keysAndValues...) }
func (z *ZapLogger) Warn(msg string, keysAndValues ...any)  { z.s.Warnw(msg, keysAndValues...) }
func (z *ZapLogger) Error(msg string, keysAndValues ...any) { z.s.Errorw(msg, keysAndValues...) }
