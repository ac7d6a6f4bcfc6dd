// Package logger provides a small contextual wrapper around zerolog used
// by every component in this module.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zerolog.DefaultContextLogger = &zerolog.Logger{}
}

var (
	globalLogger *Logger
	once         sync.Once

	defaultConfig = Config{
		Level:      "info",
		Format:     FormatConsole,
		TimeFormat: time.RFC3339,
	}
)

// Logger wraps zerolog.Logger to provide our own interface.
type Logger struct {
	zerolog.Logger
	level int
}

// GetLevel returns the current log level of the logger.
func (l *Logger) GetLevel() zerolog.Level {
	if l == nil {
		return zerolog.NoLevel
	}
	level := zerolog.Level(l.level)
	if level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// LogFormat defines the available log formats.
type LogFormat string

const (
	FormatJSON    LogFormat = "json"
	FormatConsole LogFormat = "console"
)

func (f LogFormat) String() string { return string(f) }

// ParseLogFormat parses a string into a LogFormat.
func ParseLogFormat(format string) LogFormat {
	switch strings.ToLower(format) {
	case "console":
		return FormatConsole
	case "json":
		return FormatJSON
	default:
		return FormatJSON
	}
}

// Config holds the configuration for the logger.
type Config struct {
	Level      string
	Format     LogFormat
	Output     io.Writer
	TimeFormat string
}

// Get returns the global logger instance, initializing it with the default
// configuration on first use.
func Get() *Logger {
	once.Do(func() {
		if globalLogger == nil {
			setupLogger(defaultConfig)
		}
	})
	return globalLogger
}

// ResetForTesting resets the global logger. Test-only.
func ResetForTesting() {
	globalLogger = nil
	once = sync.Once{}
}

// Setup initializes the global logger. Only the first call takes effect.
func Setup(cfg Config) {
	once.Do(func() {
		setupLogger(cfg)
	})
}

// ForceSetup re-initializes the global logger, bypassing the once guard.
func ForceSetup(cfg Config) {
	setupLogger(cfg)
}

func setupLogger(cfg Config) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}

	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	switch cfg.Format {
	case FormatConsole:
		zl = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: cfg.TimeFormat})
	default:
		zl = zerolog.New(output)
	}

	zl = zl.Level(level).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)

	globalLogger = &Logger{Logger: zl, level: int(level)}
}

// WithContext returns the global logger augmented with the given fields.
func WithContext(fields map[string]interface{}) *Logger {
	log := Get()
	if log == nil {
		Setup(defaultConfig)
		log = Get()
	}
	if fields == nil {
		return log
	}
	return log.WithFields(fields)
}

// ContextKey is a type for context keys owned by this package.
type ContextKey string

// ContextKeyRequestID is the key used to store a correlation ID in a context.
const ContextKeyRequestID ContextKey = "request_id"

type loggerKey struct{}

// NewContext returns a context carrying the given logger.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger carried by ctx, or nil if there is none.
func FromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return nil
	}
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return nil
}

// WithFields returns a child logger carrying the given fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	if l == nil {
		return Get()
	}
	if len(fields) == 0 {
		return l
	}
	zl := l.Logger
	for k, v := range fields {
		zl = zl.With().Interface(k, v).Logger()
	}
	return &Logger{Logger: zl, level: l.level}
}

// With is an alias of WithFields kept for call-site brevity.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return l.WithFields(fields)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		l.WithFields(fields[0]).Logger.Info().Msg(msg)
		return
	}
	l.Logger.Info().Msg(msg)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		l.WithFields(fields[0]).Logger.Warn().Msg(msg)
		return
	}
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		l.WithFields(fields[0]).Logger.Debug().Msg(msg)
		return
	}
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	if len(fields) > 0 && len(fields[0]) > 0 {
		l.WithFields(fields[0]).Logger.Error().Msg(msg)
		return
	}
	l.Logger.Error().Msg(msg)
}
