package log

import (
	"os"
	"time"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var _ Logger = (*ZapLogger)(nil)

// Config selects the encoder, level and destination of a ZapLogger
type Config struct {
	Format string `env:"LOG_FORMAT" env-default:"console" validate:"omitempty,oneof=console logfmt json"`
	Level  Level  `env:"LOG_LEVEL" env-default:"info" validate:"omitempty,oneof=debug info warn error fatal"`
	// stderr, stdout or a file path. Files are rotated.
	Output     string `env:"LOG_OUTPUT" env-default:"stderr"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" env-default:"50"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" env-default:"3"`
}

// ZapLogger is a Logger backed by a zap SugaredLogger
type ZapLogger struct {
	lg *zap.SugaredLogger
}

// NewZapLogger builds a logger from conf. Extra write syncers receive a copy
// of every entry, which tests use to capture output.
func NewZapLogger(conf Config, extraWriters ...zapcore.WriteSyncer) *ZapLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = func(ts time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(ts.UTC().Format(time.RFC3339))
	}

	var encoder zapcore.Encoder
	switch conf.Format {
	case "logfmt":
		encoder = zaplogfmt.NewEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var ws zapcore.WriteSyncer
	switch conf.Output {
	case "", "stderr":
		ws = zapcore.Lock(os.Stderr)
	case "stdout":
		ws = zapcore.Lock(os.Stdout)
	default:
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   conf.Output,
			MaxSize:    conf.MaxSizeMB,
			MaxBackups: conf.MaxBackups,
		})
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(append(extraWriters, ws)...), zapLevel(conf.Level))
	return &ZapLogger{lg: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()}
}

func (l *ZapLogger) Debug(msg string, keysAndValues ...any) { l.lg.Debugw(msg, keysAndValues...) }
func (l *ZapLogger) Info(msg string, keysAndValues ...any)  { l.lg.Infow(msg, keysAndValues...) }
func (l *ZapLogger) Warn(msg string, keysAndValues ...any)  { l.lg.Warnw(msg, keysAndValues...) }
func (l *ZapLogger) Error(msg string, keysAndValues ...any) { l.lg.Errorw(msg, keysAndValues...) }
func (l *ZapLogger) Fatal(msg string, keysAndValues ...any) { l.lg.Fatalw(msg, keysAndValues...) }

func (l *ZapLogger) WithKV(key string, value any) Logger {
	return &ZapLogger{lg: l.lg.With(key, value)}
}

func (l *ZapLogger) WithName(name string) Logger {
	return &ZapLogger{lg: l.lg.Named(name)}
}

func (l *ZapLogger) Name() string {
	return l.lg.Desugar().Name()
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.lg.Sync()
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
