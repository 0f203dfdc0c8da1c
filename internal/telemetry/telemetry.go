// Package telemetry wires structured logging for the engine, the same way
// utils/log.go wires it for the proxy: a zap.Logger writing JSON through a
// lumberjack rolling file, level-gated by configuration. Where the proxy
// logger carried ruleName/remoteAddr fields, this logger carries connection
// id, stream id, packet number and encryption level instead.
package telemetry

import (
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the rotating log sink. Zero value logs to stdout only.
type Options struct {
	Level      string // debug, info, warn, error, dpanic, panic, fatal
	Path       string // rolling log file path; empty disables file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Console    bool // also tee to stdout
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// New builds a *zap.Logger from Options, following the encoder/tee-core
// shape of the teacher's utils/log.go.
func New(opts Options) *zap.Logger {
	level, ok := levelMap[opts.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core
	if opts.Path != "" {
		hook := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxOr(opts.MaxSizeMB, 1024),
			MaxBackups: maxOr(opts.MaxBackups, 5),
			MaxAge:     maxOr(opts.MaxAgeDays, 30),
			Compress:   opts.Compress,
		}
		files := zapcore.AddSync(hook)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), files, enabler))
	}
	if opts.Console || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(zapcoreStdout()), enabler))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// TimeEncoder matches the millisecond-precision local timestamp format used
// throughout the teacher's logging.
func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// ConnFields builds the common zap fields attached to every per-connection
// log line.
func ConnFields(connID string, role string) []zap.Field {
	return []zap.Field{
		zap.String("conn", connID),
		zap.String("role", role),
	}
}

// StreamFields builds the connection id and stream id fields; unlike
// ConnFields it carries no role field.
func StreamFields(connID string, streamID uint64) []zap.Field {
	return []zap.Field{
		zap.String("conn", connID),
		zap.Uint64("stream", streamID),
	}
}
