package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

func (f StringField) apply(e *zerolog.Event) *zerolog.Event   { return e.Str(f.Key, f.Value) }
func (f IntField) apply(e *zerolog.Event) *zerolog.Event      { return e.Int(f.Key, f.Value) }
func (f Int64Field) apply(e *zerolog.Event) *zerolog.Event    { return e.Int64(f.Key, f.Value) }
func (f BoolField) apply(e *zerolog.Event) *zerolog.Event     { return e.Bool(f.Key, f.Value) }
func (f DurationField) apply(e *zerolog.Event) *zerolog.Event { return e.Dur(f.Key, f.Value) }
func (f TimeField) apply(e *zerolog.Event) *zerolog.Event     { return e.Time(f.Key, f.Value) }
func (f ErrorField) apply(e *zerolog.Event) *zerolog.Event    { return e.Err(f.Value) }
func (f AnyField) apply(e *zerolog.Event) *zerolog.Event      { return e.Interface(f.Key, f.Value) }

func (f StringField) key() string   { return f.Key }
func (f IntField) key() string      { return f.Key }
func (f Int64Field) key() string    { return f.Key }
func (f BoolField) key() string     { return f.Key }
func (f DurationField) key() string { return f.Key }
func (f TimeField) key() string     { return f.Key }
func (f ErrorField) key() string    { return zerolog.ErrorFieldName }
func (f AnyField) key() string      { return f.Key }

func (f StringField) value() any   { return f.Value }
func (f IntField) value() any      { return f.Value }
func (f Int64Field) value() any    { return f.Value }
func (f BoolField) value() any     { return f.Value }
func (f DurationField) value() any { return f.Value }
func (f TimeField) value() any     { return f.Value }
func (f ErrorField) value() any    { return f.Value }
func (f AnyField) value() any      { return f.Value }

// ZerologLogger implements Logger on top of zerolog. Derived loggers share the
// same writers; only the module name and context fields differ.
type ZerologLogger struct {
	base       zerolog.Logger // without the module field
	logger     zerolog.Logger
	module     string
	fileWriter *lumberjack.Logger
}

// NewZerologLogger creates a new ZerologLogger
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if config.FileConfig != nil && config.FileConfig.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(config.FileConfig.Filename), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		} else {
			fileWriter = &lumberjack.Logger{
				Filename:   config.FileConfig.Filename,
				MaxSize:    config.FileConfig.MaxSize,
				MaxAge:     config.FileConfig.MaxAge,
				MaxBackups: config.FileConfig.MaxBackups,
				Compress:   config.FileConfig.Compress,
				LocalTime:  true,
			}
			// files always get JSON, whatever the console format
			writers = append(writers, fileWriter)
		}
	}

	for _, output := range config.Outputs {
		if config.Format == ConsoleFormat {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: "15:04:05",
				PartsOrder: []string{
					zerolog.TimestampFieldName,
					zerolog.LevelFieldName,
					"module",
					zerolog.MessageFieldName,
				},
			})
		} else {
			writers = append(writers, output)
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	base := zerolog.New(writer).Level(config.Level.zerolog()).With().Timestamp().Logger()
	if config.EnableCaller {
		base = base.With().CallerWithSkipFrameCount(4).Logger()
	}

	return newDerived(base, config.Subsystem, fileWriter)
}

func newDerived(base zerolog.Logger, module string, fw *lumberjack.Logger) *ZerologLogger {
	l := base
	if module != "" {
		l = base.With().Str("module", module).Logger()
	}
	return &ZerologLogger{base: base, logger: l, module: module, fileWriter: fw}
}

func (zl *ZerologLogger) log(e *zerolog.Event, msg string, fields []TypedField) {
	if e == nil {
		return
	}
	for _, f := range fields {
		e = f.apply(e)
	}
	e.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.log(zl.logger.Trace(), msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.log(zl.logger.Debug(), msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.log(zl.logger.Info(), msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.log(zl.logger.Warn(), msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.log(zl.logger.Error(), msg, fields)
}

// Fatal logs at fatal level and exits the process
func (zl *ZerologLogger) Fatal(msg string, fields ...TypedField) {
	zl.log(zl.logger.Fatal(), msg, fields)
}

func (zl *ZerologLogger) Debugf(format string, args ...any) {
	zl.logger.Debug().Msgf(format, args...)
}

func (zl *ZerologLogger) Infof(format string, args ...any) {
	zl.logger.Info().Msgf(format, args...)
}

func (zl *ZerologLogger) Warnf(format string, args ...any) {
	zl.logger.Warn().Msgf(format, args...)
}

func (zl *ZerologLogger) Errorf(format string, args ...any) {
	zl.logger.Error().Msgf(format, args...)
}

func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	module := name
	if zl.module != "" {
		module = zl.module + "." + name
	}
	return newDerived(zl.base, module, zl.fileWriter)
}

func (zl *ZerologLogger) WithSystem(name string) Logger {
	return newDerived(zl.base, name, zl.fileWriter)
}

func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}
	ctx := zl.base.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.key(), f.value())
	}
	return newDerived(ctx.Logger(), zl.module, zl.fileWriter)
}

func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	return zl.logger.GetLevel() <= level.zerolog()
}

// Close closes the rotating file writer, if any. Derived loggers share it,
// so only the root logger should be closed.
func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}
