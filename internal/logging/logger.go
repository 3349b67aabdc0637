// Package logging provides the leveled logger used throughout the
// controller core. It keeps the call shape of a small level-aware
// wrapper (Debug/Info/Warn/Error, each taking a message plus key-value
// pairs) while delegating the actual formatting and sink to zerolog.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration: info level,
// human-readable console output on stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger wraps a zerolog.Logger with the level-gated call shape the
// rest of the core uses.
type Logger struct {
	zl    zerolog.Logger
	level LogLevel
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger creates a new logger writing console-formatted records to
// config.Output (or stderr, if config is nil or Output is nil).
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	w := zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05.000"}
	zl := zerolog.New(w).With().Timestamp().Logger().Level(config.Level.zerolog())
	return &Logger{zl: zl, level: config.Level}
}

// Default returns the process-wide default logger, creating it lazily.
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

// SetDefault replaces the process-wide default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) event(level LogLevel) *zerolog.Event {
	switch level {
	case LevelDebug:
		return l.zl.Debug()
	case LevelInfo:
		return l.zl.Info()
	case LevelWarn:
		return l.zl.Warn()
	default:
		return l.zl.Error()
	}
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	ev := l.event(level)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// Printf-style variants, used by collaborators that only know a
// format string (matches the interfaces.Logger seam).
func (l *Logger) Debugf(format string, args ...any) { l.event(LevelDebug).Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.event(LevelInfo).Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.event(LevelWarn).Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.event(LevelError).Msgf(format, args...) }

// Printf forwards to Infof for callers that only know a generic
// Printf-style logger.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
