package voice

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates an int64 field
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Float64 creates a float64 field
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates an error field
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any creates a field with any value
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// ZerologLogger implements Logger on top of zerolog
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger creates a logger from the logging configuration
func NewZerologLogger(config LoggingConfig) *ZerologLogger {
	var output io.Writer = os.Stdout
	if config.Output == "stderr" {
		output = os.Stderr
	}
	return NewZerologLoggerWithWriter(config, output)
}

// NewZerologLoggerWithWriter creates a logger writing to the given writer
func NewZerologLoggerWithWriter(config LoggingConfig, output io.Writer) *ZerologLogger {
	if config.Format == "console" || config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "2006-01-02 15:04:05.000"}
	}

	ctx := zerolog.New(output).Level(parseLogLevel(config.Level)).With().Timestamp()
	if config.Caller {
		ctx = ctx.CallerWithSkipFrameCount(3)
	}

	return &ZerologLogger{logger: ctx.Logger()}
}

// parseLogLevel converts string log level to a zerolog level
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Debug logs a debug message
func (l *ZerologLogger) Debug(msg string, fields ...Field) {
	emit(l.logger.Debug(), msg, fields)
}

// Info logs an info message
func (l *ZerologLogger) Info(msg string, fields ...Field) {
	emit(l.logger.Info(), msg, fields)
}

// Warn logs a warning message
func (l *ZerologLogger) Warn(msg string, fields ...Field) {
	emit(l.logger.Warn(), msg, fields)
}

// Error logs an error message
func (l *ZerologLogger) Error(msg string, fields ...Field) {
	emit(l.logger.Error(), msg, fields)
}

// Fatal logs a fatal message and exits
func (l *ZerologLogger) Fatal(msg string, fields ...Field) {
	emit(l.logger.Fatal(), msg, fields)
}

// With creates a new logger with additional fields
func (l *ZerologLogger) With(fields ...Field) Logger {
	ctx := l.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, fieldValue(f.Value))
	}
	return &ZerologLogger{logger: ctx.Logger()}
}

// Zerolog exposes the underlying logger for libraries that want one
func (l *ZerologLogger) Zerolog() zerolog.Logger {
	return l.logger
}

func emit(e *zerolog.Event, msg string, fields []Field) {
	if e == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			e = e.Str(f.Key, v)
		case int:
			e = e.Int(f.Key, v)
		case int64:
			e = e.Int64(f.Key, v)
		case float64:
			e = e.Float64(f.Key, v)
		case bool:
			e = e.Bool(f.Key, v)
		case time.Duration:
			e = e.Dur(f.Key, v)
		case time.Time:
			e = e.Time(f.Key, v)
		case error:
			e = e.AnErr(f.Key, v)
		case ConnectionState:
			e = e.Str(f.Key, v.String())
		case EventType:
			e = e.Str(f.Key, v.String())
		case ErrorClass:
			e = e.Str(f.Key, v.String())
		case Environment:
			e = e.Str(f.Key, v.String())
		default:
			e = e.Interface(f.Key, v)
		}
	}
	e.Msg(msg)
}

// fieldValue makes persistent fields render the same way emit renders them
func fieldValue(v interface{}) interface{} {
	switch t := v.(type) {
	case error:
		return t.Error()
	case time.Duration:
		return t.String()
	case ConnectionState:
		return t.String()
	case EventType:
		return t.String()
	case ErrorClass:
		return t.String()
	case Environment:
		return t.String()
	default:
		return v
	}
}

// DefaultLogger creates a default console logger
func DefaultLogger() Logger {
	return NewZerologLogger(LoggingConfig{
		Level:  "info",
		Format: "console",
		Output: "stdout",
	})
}

// NullLogger creates a logger that discards all output (useful for testing)
func NullLogger() Logger {
	return &ZerologLogger{logger: zerolog.Nop()}
}
