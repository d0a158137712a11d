package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger backs a worker's log file.
type ZapLogger struct {
	log *zap.SugaredLogger
}

// NewZapFileLogger appends JSON records to path.
func NewZapFileLogger(level, path string) (*ZapLogger, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(l),
		Encoding:          "json",
		OutputPaths:       []string{path},
		ErrorOutputPaths:  []string{path},
		DisableStacktrace: true,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build file logger: %w", err)
	}
	return &ZapLogger{log: logger.Sugar()}, nil
}

func (zl *ZapLogger) Debug(msg string, args ...any) {
	zl.log.Debugw(msg, args...)
}

func (zl *ZapLogger) Info(msg string, args ...any) {
	zl.log.Infow(msg, args...)
}

func (zl *ZapLogger) Warn(msg string, args ...any) {
	zl.log.Warnw(msg, args...)
}

func (zl *ZapLogger) Error(msg string, args ...any) {
	zl.log.Errorw(msg, args...)
}

func (zl *ZapLogger) Fatal(msg string, args ...any) {
	zl.log.Fatalw(msg, args...)
}

func (zl *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{log: zl.log.With(args...)}
}

func (zl *ZapLogger) Sync() error {
	return zl.log.Sync()
}

// Sync flushes l if its backend buffers.
func Sync(l Logger) error {
	if s, ok := l.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
