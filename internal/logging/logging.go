// Package logging builds the process logger from the configured level.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a sugared zap logger at the configured level. "trace" maps to
// zap's debug level since zap has no finer grade.
func New(level string) (*zap.SugaredLogger, error) {
	var zl zapcore.Level
	switch level {
	case "trace", "debug":
		zl = zapcore.DebugLevel
	case "info":
		zl = zapcore.InfoLevel
	case "warn":
		zl = zapcore.WarnLevel
	case "error":
		zl = zapcore.ErrorLevel
	case "fatal":
		zl = zapcore.FatalLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}
