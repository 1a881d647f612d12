package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// Logger wraps zerolog.Logger with component-scoped helpers
type Logger struct {
	zerolog.Logger
	level zerolog.Level
}

// Config represents logger configuration
type Config struct {
	// Log level (trace, debug, info, warn, error, disabled)
	Level string `toml:"level"`

	// Output destination (stdout, stderr, or file path)
	Output string `toml:"output"`

	// Human readable console output for terminals
	Color bool `toml:"color"`

	Timestamp bool `toml:"timestamp"`

	// Include file:line of the call site
	Caller bool `toml:"caller"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:     "error",
		Output:    "stderr",
		Color:     true,
		Timestamp: true,
		Caller:    false,
	}
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// Init initializes the global logger with the provided configuration
func Init(config *Config) error {
	l, err := New(config)
	if err != nil {
		return err
	}

	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()

	log.Logger = l.Logger
	return nil
}

// New builds a logger without touching the global instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}

	var output io.Writer
	switch config.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(config.Output), 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	}

	if (config.Output == "" || config.Output == "stdout" || config.Output == "stderr") && config.Color {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zl := zerolog.New(output).Level(level)
	if config.Timestamp {
		zl = zl.With().Timestamp().Logger()
	}
	if config.Caller {
		zl = zl.With().Caller().Logger()
	}

	return &Logger{Logger: zl, level: level}, nil
}

// AddHook attaches hook to the global logger. Every logger derived from
// GetLogger afterwards runs it.
func AddHook(hook zerolog.Hook) {
	l := GetLogger()

	globalMu.Lock()
	globalLogger = &Logger{Logger: l.Logger.Hook(hook), level: l.level}
	log.Logger = globalLogger.Logger
	globalMu.Unlock()
}

// Nop returns a logger that discards everything, handy in tests
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop(), level: zerolog.Disabled}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	_ = Init(DefaultConfig())

	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With().Interface(key, value).Logger(),
		level:  l.level,
	}
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.Logger.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}
	return &Logger{Logger: ctx.Logger(), level: l.level}
}

// WithError adds an error field to the logger context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With().Err(err).Logger(),
		level:  l.level,
	}
}

// WithComponent adds a component field for structured logging
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("component", component).Logger(),
		level:  l.level,
	}
}

// WithOperation adds an operation field for structured logging
func (l *Logger) WithOperation(operation string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("operation", operation).Logger(),
		level:  l.level,
	}
}

// WithAccount tags log lines with a shortened account id. The full id is a
// read credential for the account, so it never goes to the log.
func (l *Logger) WithAccount(accountID string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("account", ShortID(accountID)).Logger(),
		level:  l.level,
	}
}

func (l *Logger) Security() *Logger { return l.WithComponent("security") }
func (l *Logger) Storage() *Logger  { return l.WithComponent("storage") }
func (l *Logger) Sync() *Logger     { return l.WithComponent("sync") }
func (l *Logger) Relay() *Logger    { return l.WithComponent("relay") }
func (l *Logger) Config() *Logger   { return l.WithComponent("config") }

// Audit logs an audit event with structured information
func (l *Logger) Audit(event string, fields map[string]interface{}) {
	evt := l.Info().Str("audit_event", event)
	for key, value := range fields {
		evt = evt.Interface(key, value)
	}
	evt.Msg("audit log")
}

// Performance logs how long an operation took
func (l *Logger) Performance(operation string, duration time.Duration) {
	l.Debug().
		Str("perf_operation", operation).
		Dur("duration", duration).
		Msg("performance metric")
}

// ShortID keeps the first 8 characters of an identifier
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "…"
}

func Debug() *zerolog.Event { return GetLogger().Debug() }
func Info() *zerolog.Event  { return GetLogger().Info() }
func Warn() *zerolog.Event  { return GetLogger().Warn() }
func Error() *zerolog.Event { return GetLogger().Error() }

func WithComponent(component string) *Logger {
	return GetLogger().WithComponent(component)
}

func WithError(err error) *Logger {
	return GetLogger().WithError(err)
}
