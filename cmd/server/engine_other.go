//go:build !linux

package main

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/VoolFI71/arena-kv/internal/command"
	"github.com/VoolFI71/arena-kv/internal/config"
	"github.com/VoolFI71/arena-kv/internal/handler"
	"github.com/VoolFI71/arena-kv/internal/metrics"
)

type netEngine struct {
	srv *handler.Server
	ln  net.Listener
}

func (e *netEngine) Serve() error   { return e.srv.Serve(e.ln) }
func (e *netEngine) Close() error   { return e.srv.Close() }
func (e *netEngine) Addr() net.Addr { return e.ln.Addr() }

func newEngine(cfg *config.Config, d *command.Dispatcher, log *zap.Logger, m *metrics.Metrics) (engine, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	log.Warn("epoll is unavailable, serving with one goroutine per connection")
	return &netEngine{srv: handler.New(d, log, m, cfg.Conn.Buffer), ln: ln}, nil
}
