// Package logging provides structured logging for draftsmith sessions.
// It wraps Go's log/slog package to provide JSON-formatted logs with
// context propagation support for debugging and post-hoc analysis.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Attribute keys attached by the With* helpers. AggregateLogs lifts these
// out of the raw record into LogEntry fields.
const (
	KeySessionID = "session_id"
	KeyMode      = "mode"
	KeyStepType  = "step_type"
)

// LogFileName is the name of the log file inside the log directory.
const LogFileName = "debug.log"

// Options configures NewLoggerWithOptions.
type Options struct {
	// Dir is the directory holding debug.log. Empty disables the file sink.
	Dir string
	// Level is one of ValidLevels; unknown values fall back to INFO.
	Level string
	// Rotation controls size-based rotation of the file sink.
	Rotation RotationConfig
	// Console, when non-nil, receives a copy of every record. A terminal
	// gets colored tint output, anything else gets JSON.
	Console io.Writer
}

// Logger provides structured logging with context propagation.
// It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	writer *RotatingWriter
	mu     *sync.Mutex // Protects writer; shared with child loggers
	attrs  []slog.Attr // Persistent attributes (session, mode, step)
}

// NewLogger creates a new Logger that writes JSON-formatted logs to
// {logDir}/debug.log with the default rotation settings.
//
// The level parameter controls which messages are logged:
//   - DEBUG: All messages
//   - INFO: Info, Warn, and Error messages
//   - WARN: Warn and Error messages
//   - ERROR: Only Error messages
//
// If logDir is empty, logs will be written to stderr.
func NewLogger(logDir string, level string) (*Logger, error) {
	return NewLoggerWithRotation(logDir, level, DefaultRotationConfig())
}

// NewLoggerWithRotation is NewLogger with explicit rotation settings.
func NewLoggerWithRotation(logDir string, level string, rotation RotationConfig) (*Logger, error) {
	opts := Options{Dir: logDir, Level: level, Rotation: rotation}
	if logDir == "" {
		opts.Console = os.Stderr
	}
	return NewLoggerWithOptions(opts)
}

// NewLoggerWithOptions builds a Logger from opts. At least one of Dir or
// Console should be set; with neither, output is discarded.
func NewLoggerWithOptions(opts Options) (*Logger, error) {
	slogLevel := parseLevel(opts.Level)

	var handlers []slog.Handler
	var writer *RotatingWriter

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rw, err := NewRotatingWriter(filepath.Join(opts.Dir, LogFileName), opts.Rotation)
		if err != nil {
			return nil, err
		}
		writer = rw
		handlers = append(handlers, slog.NewJSONHandler(rw, &slog.HandlerOptions{Level: slogLevel}))
	}

	if opts.Console != nil {
		handlers = append(handlers, consoleHandler(opts.Console, slogLevel))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewJSONHandler(io.Discard, nil)
	case 1:
		handler = handlers[0]
	default:
		handler = fanoutHandler(handlers)
	}

	return &Logger{
		logger: slog.New(handler),
		writer: writer,
		mu:     &sync.Mutex{},
		attrs:  make([]slog.Attr, 0),
	}, nil
}

// IsTerminal reports whether w is a terminal file descriptor.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func consoleHandler(w io.Writer, level slog.Level) slog.Handler {
	if !IsTerminal(w) {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithSession returns a new Logger with the session ID added to all log entries.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.withAttr(slog.String(KeySessionID, sessionID))
}

// WithMode returns a new Logger tagged with the session mode (outline or draft).
func (l *Logger) WithMode(mode string) *Logger {
	return l.withAttr(slog.String(KeyMode, mode))
}

// WithStep returns a new Logger tagged with the step type being executed.
func (l *Logger) WithStep(stepType string) *Logger {
	return l.withAttr(slog.String(KeyStepType, stepType))
}

// With returns a new Logger with arbitrary key-value attributes.
// Keys and values are provided as alternating arguments.
// This creates a child logger that inherits all existing attributes.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	newAttrs := make([]slog.Attr, 0, len(l.attrs)+len(args)/2)
	newAttrs = append(newAttrs, l.attrs...)

	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		newAttrs = append(newAttrs, slog.Any(key, args[i+1]))
	}

	return l.child(newAttrs)
}

func (l *Logger) withAttr(attr slog.Attr) *Logger {
	newAttrs := make([]slog.Attr, len(l.attrs)+1)
	copy(newAttrs, l.attrs)
	newAttrs[len(l.attrs)] = attr
	return l.child(newAttrs)
}

func (l *Logger) child(attrs []slog.Attr) *Logger {
	return &Logger{
		logger: l.logger,
		writer: l.writer,
		mu:     l.mu,
		attrs:  attrs,
	}
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil {
		return
	}
	allArgs := make([]any, 0, len(l.attrs)+len(args))
	for _, attr := range l.attrs {
		allArgs = append(allArgs, attr)
	}
	allArgs = append(allArgs, args...)

	l.logger.Log(context.Background(), level, msg, allArgs...)
}

// Slog exposes the underlying slog.Logger with persistent attributes applied,
// for libraries that accept a *slog.Logger directly.
func (l *Logger) Slog() *slog.Logger {
	args := make([]any, 0, len(l.attrs))
	for _, attr := range l.attrs {
		args = append(args, attr)
	}
	return l.logger.With(args...)
}

// Close flushes and closes the log file. Closing a child logger closes the
// shared file for every logger derived from the same root.
func (l *Logger) Close() error {
	if l == nil || l.mu == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.Close(); err != nil {
			return err
		}
	}
	return nil
}

// FilePath returns the path of the log file, or "" when logging to a stream.
func (l *Logger) FilePath() string {
	if l == nil || l.writer == nil {
		return ""
	}
	return l.writer.FilePath()
}

// NopLogger returns a Logger that discards all log output.
// Useful for testing or when logging is disabled.
func NopLogger() *Logger {
	return &Logger{
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		mu:     &sync.Mutex{},
		attrs:  make([]slog.Attr, 0),
	}
}

// ParseLevel converts a string level to the corresponding constant.
// Returns LevelInfo if the level string is not recognized.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return LevelDebug
	case LevelInfo:
		return LevelInfo
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}

// fanoutHandler delivers each record to every handler that accepts its level.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, inner := range h {
		if inner.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, inner := range h {
		if !inner.Enabled(ctx, r.Level) {
			continue
		}
		if err := inner.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, inner := range h {
		out[i] = inner.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, inner := range h {
		out[i] = inner.WithGroup(name)
	}
	return out
}
