// Package logutil builds the zap loggers used across the batch-write
// coordinator, named per component so a single write can be traced
// across C1-C9 by logger name.
package logutil

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the {Level, Format} shape shared by the process config file.
type Config struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "console"
}

// DefaultConfig returns sensible defaults for a coordinator process.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "console"}
}

// New builds a *zap.Logger from Config.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "json") {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logutil: build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logutil: invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Named returns a child logger scoped to one coordinator component
// (e.g. "codec", "txn", "conflict").
func Named(base *zap.Logger, component string) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.Named(component)
}
