//go:build linux

package main

import (
	"go.uber.org/zap"

	"github.com/VoolFI71/arena-kv/internal/command"
	"github.com/VoolFI71/arena-kv/internal/config"
	"github.com/VoolFI71/arena-kv/internal/metrics"
	"github.com/VoolFI71/arena-kv/internal/reactor"
)

func newEngine(cfg *config.Config, d *command.Dispatcher, log *zap.Logger, m *metrics.Metrics) (engine, error) {
	r, err := reactor.New(reactor.Config{
		Host:       cfg.Host,
		Port:       cfg.Port,
		BufferSize: cfg.Conn.Buffer,
		MaxEvents:  cfg.Reactor.Events,
	}, d, log, m)
	if err != nil {
		return nil, err
	}
	return r, nil
}
