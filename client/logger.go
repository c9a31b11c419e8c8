package client

import (
	"io"
	"os"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to a LogLevel. Unknown names map to INFO.
func ParseLogLevel(s string) LogLevel {
	l, _ := lookupLogLevel(s)
	return l
}

func lookupLogLevel(s string) (LogLevel, bool) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG, true
	case "INFO":
		return INFO, true
	case "WARN":
		return WARN, true
	case "ERROR":
		return ERROR, true
	default:
		return INFO, false
	}
}

func (l LogLevel) filter() level.Option {
	switch l {
	case DEBUG:
		return level.AllowDebug()
	case WARN:
		return level.AllowWarn()
	case ERROR:
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Helper functions for creating fields
func String(key, val string) Field          { return Field{Key: key, Value: val} }
func Int(key string, val int) Field         { return Field{Key: key, Value: val} }
func Int64(key string, val int64) Field     { return Field{Key: key, Value: val} }
func Uint64(key string, val uint64) Field   { return Field{Key: key, Value: val} }
func Float64(key string, val float64) Field { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field       { return Field{Key: key, Value: val} }
func Duration(key string, val time.Duration) Field {
	return Field{Key: key, Value: val.String()}
}
func Error(key string, err error) Field {
	if err == nil {
		return Field{Key: key, Value: nil}
	}
	return Field{Key: key, Value: errorMessage(err)}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// kitLogger implements Logger on top of a go-kit logger.
type kitLogger struct {
	logger     kitlog.Logger
	baseFields []Field
}

// NewLogger creates a JSON logger with the specified level and output.
func NewLogger(lvl string, output io.Writer) Logger {
	if output == nil {
		output = os.Stdout
	}

	l := kitlog.NewJSONLogger(kitlog.NewSyncWriter(output))
	l = kitlog.With(l, "timestamp", kitlog.DefaultTimestampUTC)
	l = level.NewFilter(l, ParseLogLevel(lvl).filter())

	return &kitLogger{logger: l}
}

// NewKitLogger adapts an existing go-kit logger. Level filtering is left to
// the caller's logger.
func NewKitLogger(l kitlog.Logger) Logger {
	if l == nil {
		return NewNoopLogger()
	}
	return &kitLogger{logger: l}
}

// NewDefaultLogger creates a logger with INFO level writing to stderr.
func NewDefaultLogger() Logger {
	return NewLogger("INFO", os.Stderr)
}

func (l *kitLogger) Debug(msg string, fields ...Field) {
	l.log(level.Debug(l.logger), msg, fields)
}

func (l *kitLogger) Info(msg string, fields ...Field) {
	l.log(level.Info(l.logger), msg, fields)
}

func (l *kitLogger) Warn(msg string, fields ...Field) {
	l.log(level.Warn(l.logger), msg, fields)
}

func (l *kitLogger) Error(msg string, fields ...Field) {
	l.log(level.Error(l.logger), msg, fields)
}

func (l *kitLogger) WithFields(fields ...Field) Logger {
	newFields := make([]Field, len(l.baseFields)+len(fields))
	copy(newFields, l.baseFields)
	copy(newFields[len(l.baseFields):], fields)

	return &kitLogger{
		logger:     l.logger,
		baseFields: newFields,
	}
}

func (l *kitLogger) log(logger kitlog.Logger, msg string, fields []Field) {
	allFields := make([]Field, 0, len(l.baseFields)+len(fields))
	allFields = append(allFields, l.baseFields...)
	allFields = append(allFields, fields...)
	allFields = redactSensitiveFields(allFields)

	keyvals := make([]interface{}, 0, 2+2*len(allFields))
	keyvals = append(keyvals, "message", msg)
	for _, f := range allFields {
		keyvals = append(keyvals, f.Key, f.Value)
	}

	_ = logger.Log(keyvals...)
}

// redactSensitiveFields masks values for sensitive keys.
func redactSensitiveFields(fields []Field) []Field {
	sensitiveKeys := map[string]bool{
		"password":      true,
		"token":         true,
		"secret":        true,
		"authorization": true,
		"api_key":       true,
		"apikey":        true,
		"auth":          true,
	}

	result := make([]Field, len(fields))
	for i, field := range fields {
		key := strings.ToLower(field.Key)
		if sensitiveKeys[key] {
			result[i] = Field{Key: field.Key, Value: "[REDACTED]"}
		} else {
			result[i] = field
		}
	}

	return result
}

// noopLogger implements Logger but does nothing.
type noopLogger struct{}

func (n *noopLogger) Debug(msg string, fields ...Field) {}
func (n *noopLogger) Info(msg string, fields ...Field)  {}
func (n *noopLogger) Warn(msg string, fields ...Field)  {}
func (n *noopLogger) Error(msg string, fields ...Field) {}
func (n *noopLogger) WithFields(fields ...Field) Logger { return n }

// NewNoopLogger creates a logger that discards all output.
func NewNoopLogger() Logger {
	return &noopLogger{}
}
