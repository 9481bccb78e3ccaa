// Package config defines the server configuration and loads it from defaults,
// an optional YAML file, the environment and command line overrides.
package config

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/VoolFI71/arena-kv/internal/arena"
	"github.com/VoolFI71/arena-kv/internal/buffer"
	"github.com/VoolFI71/arena-kv/internal/logger"
)

var (
	ErrPortRequired = errors.New("config: port is required")
	ErrInvalid      = errors.New("config: invalid value")
)

type Config struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Arena   ArenaConfig   `koanf:"arena"`
	Conn    ConnConfig    `koanf:"conn"`
	Reactor ReactorConfig `koanf:"reactor"`
	Log     logger.Config `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

type ArenaConfig struct {
	// Size is the arena capacity in bytes.
	Size int `koanf:"size"`
	// Mmap backs the arena with an anonymous mapping instead of the Go heap.
	Mmap bool `koanf:"mmap"`
}

type ConnConfig struct {
	// Buffer is the per-connection input buffer capacity in bytes.
	Buffer int `koanf:"buffer"`
}

type ReactorConfig struct {
	// Events is the epoll_wait batch size.
	Events int `koanf:"events"`
}

type MetricsConfig struct {
	// Addr is the Prometheus listen address; empty disables the endpoint.
	Addr string `koanf:"addr"`
}

// Default returns the configuration used when nothing overrides it. The port
// has no default.
func Default() *Config {
	return &Config{
		Host:    "0.0.0.0",
		Arena:   ArenaConfig{Size: arena.DefaultCapacity},
		Conn:    ConnConfig{Buffer: buffer.DefaultCapacity},
		Reactor: ReactorConfig{Events: 128},
		Log:     logger.DefaultConfig(),
	}
}

// Validate checks cfg for values the server cannot start with.
func Validate(cfg *Config) error {
	if cfg.Port == 0 {
		return ErrPortRequired
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return errors.Wrapf(ErrInvalid, "port %d out of range", cfg.Port)
	}
	if cfg.Arena.Size <= 0 {
		return errors.Wrapf(ErrInvalid, "arena.size must be positive, got %d", cfg.Arena.Size)
	}
	if cfg.Conn.Buffer <= 0 {
		return errors.Wrapf(ErrInvalid, "conn.buffer must be positive, got %d", cfg.Conn.Buffer)
	}
	if cfg.Reactor.Events <= 0 {
		return errors.Wrapf(ErrInvalid, "reactor.events must be positive, got %d", cfg.Reactor.Events)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console", "text":
	default:
		return errors.Wrapf(ErrInvalid, "log.format %q", cfg.Log.Format)
	}
	return nil
}
