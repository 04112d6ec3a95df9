package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level
type LogLevel int

const (
	TraceLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
	PanicLevel
)

var levelNames = map[LogLevel]string{
	TraceLevel: "trace",
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
	FatalLevel: "fatal",
	PanicLevel: "panic",
}

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLogLevel parses a string to LogLevel. Unknown values fall back to info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return TraceLevel
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error", "err":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	case "panic":
		return PanicLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case TraceLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case FatalLevel:
		return zerolog.FatalLevel
	case PanicLevel:
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// OutputFormat represents the output format
type OutputFormat int

const (
	JSONFormat OutputFormat = iota
	ConsoleFormat
)

// String returns the string representation of OutputFormat
func (o OutputFormat) String() string {
	if o == JSONFormat {
		return "json"
	}
	return "console"
}

// ParseOutputFormat parses a string to OutputFormat
func ParseOutputFormat(format string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return JSONFormat
	}
	return ConsoleFormat
}

// TypedField is a type-safe field for structured logging
type TypedField interface {
	apply(event *zerolog.Event) *zerolog.Event
	key() string
	value() any
}

type (
	StringField struct {
		Key   string
		Value string
	}
	IntField struct {
		Key   string
		Value int
	}
	Int64Field struct {
		Key   string
		Value int64
	}
	BoolField struct {
		Key   string
		Value bool
	}
	DurationField struct {
		Key   string
		Value time.Duration
	}
	TimeField struct {
		Key   string
		Value time.Time
	}
	ErrorField struct {
		Value error
	}
	AnyField struct {
		Key   string
		Value any
	}
)

func String(key, value string) TypedField {
	return StringField{Key: key, Value: value}
}

func Int(key string, value int) TypedField {
	return IntField{Key: key, Value: value}
}

func Int64(key string, value int64) TypedField {
	return Int64Field{Key: key, Value: value}
}

func Bool(key string, value bool) TypedField {
	return BoolField{Key: key, Value: value}
}

func Duration(key string, value time.Duration) TypedField {
	return DurationField{Key: key, Value: value}
}

func Time(key string, value time.Time) TypedField {
	return TimeField{Key: key, Value: value}
}

func Err(value error) TypedField {
	return ErrorField{Value: value}
}

func Any(key string, value any) TypedField {
	return AnyField{Key: key, Value: value}
}

// Secret logs a short fingerprint of a credential instead of its value.
// Two log lines carrying the same secret share the same fingerprint.
func Secret(key, value string) TypedField {
	if value == "" {
		return StringField{Key: key, Value: ""}
	}
	return StringField{Key: key, Value: Fingerprint(value)}
}

// Fingerprint returns the first 8 bytes of the SHA-256 of value, hex encoded.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}

// Logger defines the public interface for logging
type Logger interface {
	Trace(msg string, fields ...TypedField)
	Debug(msg string, fields ...TypedField)
	Info(msg string, fields ...TypedField)
	Warn(msg string, fields ...TypedField)
	Error(msg string, fields ...TypedField)
	Fatal(msg string, fields ...TypedField)

	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	// WithSubsystem appends name to the current module path ("server.oauth").
	WithSubsystem(name string) Logger
	// WithSystem replaces the module path.
	WithSystem(name string) Logger
	WithFields(fields ...TypedField) Logger

	IsLevelEnabled(level LogLevel) bool

	Close() error
}
