// Package logger builds the zap logger used across the server.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `koanf:"level"`
	// Format is json or console.
	Format string `koanf:"format"`
	// File, when set, receives the log through a size-rotated writer instead of stderr.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"maxsize"`
	MaxBackups int    `koanf:"maxbackups"`

	// Output overrides the destination. Used by tests.
	Output io.Writer `koanf:"-"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		MaxSizeMB:  100,
		MaxBackups: 3,
	}
}

// New creates a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", cfg.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console", "text", "":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, errors.Errorf("unknown log format %q", cfg.Format)
	}

	core := zapcore.NewCore(enc, writeSyncer(cfg), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}

func writeSyncer(cfg Config) zapcore.WriteSyncer {
	switch {
	case cfg.Output != nil:
		return zapcore.AddSync(cfg.Output)
	case cfg.File != "":
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
	default:
		return zapcore.Lock(os.Stderr)
	}
}
