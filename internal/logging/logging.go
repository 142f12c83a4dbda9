// Package logging wires a zap logger as the concrete implementation behind
// the logr.Logger interface every component in this module takes. This
// mirrors the teacher's own controller-runtime boundary: components never
// import zap directly, they accept a logr.Logger and log with structured
// key/value pairs.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
)

// Level is the subset of log levels the process config exposes.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// New builds a logr.Logger backed by a zap production logger configured
// for the given level and output format. json=false renders a
// console-friendly encoding for local development.
func New(level Level, json bool) (logr.Logger, error) {
	zapLevel := zapLevelFor(level)

	cfg := zap.NewProductionConfig()
	if !json {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapLog, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zapLog), nil
}

// NewNop returns a logger that discards everything, for use in unit tests
// that do not want to assert on log output.
func NewNop() logr.Logger {
	return logr.Discard()
}

func zapLevelFor(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
