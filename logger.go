package lightning

import (
	"log/slog"
	"os"
)

// Logger defines the interface for runtime logging.
// The runtime uses structured logging with key-value pairs so implementing
// applications can control how runtime logs appear. The variadic arguments
// are alternating key/value pairs, compatible with slog, zap's sugared
// logger, logrus and similar libraries:
//
//	logger.Info("driver registered", "driver", "chat-agent", "capabilities", 2)
type Logger interface {
	// Info logs normal runtime events: provider startup, driver
	// registration, subscription changes.
	Info(msg string, args ...any)

	// Error logs failures that do not stop the runtime: handler errors,
	// dead-lettered events, failed health probes.
	Error(msg string, args ...any)

	// Warn logs unusual but non-fatal conditions: dropped events, orphan
	// ring evictions, late assistant replies.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics, typically disabled in production.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps an existing slog logger.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: l}
}

// DefaultLogger returns a text-handler slog logger at the given level.
func DefaultLogger(level slog.Level) *SlogLogger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &SlogLogger{logger: slog.New(handler)}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
