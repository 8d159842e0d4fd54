package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger for the given level and format ("json" or
// "console"). Unknown levels fall back to info.
func New(level, format string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// NewNop returns a no-op logger for tests.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
