// Package logging provides simple logging for the blkmig migration core
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger wraps stdlib log with level support and a chain of
// contextual key-value fields (device, queue, request) that every
// subsequent call on that instance carries along.
type Logger struct {
	logger *log.Logger
	level  LogLevel
	format string
	sync   bool
	output io.Writer
	fields []any // flattened key, value, key, value, ...
	mu     sync.Mutex
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel
	Output io.Writer

	// Format selects the rendering: "text" (default) or "json". Any
	// other value falls back to text.
	Format string

	// Sync, when true, flushes after every write if Output supports
	// it; kept for parity with callers that need durable log lines
	// across a crash (e.g. right before a migration abort).
	Sync bool

	// NoColor is accepted for CLI compatibility; this logger never
	// colors output, so it is a no-op here.
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		Format: "text",
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format != "json" {
		format = "text"
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
		format: format,
		sync:   config.Sync,
		output: output,
	}
}

type syncer interface {
	Sync() error
}

// withFields returns a copy of l with kv appended to its field chain,
// used by WithDevice/WithQueue/WithRequest/WithError to build a
// request-scoped logger without mutating the parent.
func (l *Logger) withFields(kv ...any) *Logger {
	next := &Logger{
		logger: l.logger,
		level:  l.level,
		format: l.format,
		sync:   l.sync,
		output: l.output,
		fields: append(append([]any{}, l.fields...), kv...),
	}
	return next
}

// WithDevice returns a logger that tags every subsequent line with
// device_id, for following one migrated device's log lines.
func (l *Logger) WithDevice(id int) *Logger {
	return l.withFields("device_id", id)
}

// WithQueue returns a logger that additionally tags queue_id.
func (l *Logger) WithQueue(id int) *Logger {
	return l.withFields("queue_id", id)
}

// WithRequest returns a logger tagging a specific tag/op pair, mirroring
// the per-I/O request context the teacher's ublk queue loop attaches.
func (l *Logger) WithRequest(tag int, op string) *Logger {
	return l.withFields("tag", tag, "op", op)
}

// WithError returns a logger that appends err's message to the
// field chain.
func (l *Logger) WithError(err error) *Logger {
	return l.withFields("error", err.Error())
}

// Default returns the default logger, creating it if necessary
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
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// formatArgs converts key-value pairs to a string
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	all := args
	if len(l.fields) > 0 {
		all = append(append([]any{}, l.fields...), args...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "json" {
		l.logger.Print(formatJSON(prefix, msg, all))
	} else {
		l.logger.Printf("%s %s%s", prefix, msg, formatArgs(all))
	}
	if l.sync {
		if s, ok := l.output.(syncer); ok {
			_ = s.Sync()
		}
	}
}

// formatJSON renders one log line as a flat JSON object; unmatched
// trailing keys are dropped, same as formatArgs.
func formatJSON(prefix, msg string, args []any) string {
	rec := map[string]any{"level": prefix, "msg": msg}
	for i := 0; i+1 < len(args); i += 2 {
		key := fmt.Sprintf("%v", args[i])
		rec[key] = args[i+1]
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprintf("%s %s", prefix, msg)
	}
	return string(b)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
