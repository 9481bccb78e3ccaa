// Command gnet serves the store through gnet's event loop instead of the
// built-in epoll reactor. Multicore stays off so one loop owns the store.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/gnet/v2"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/VoolFI71/arena-kv/internal/arena"
	"github.com/VoolFI71/arena-kv/internal/command"
	"github.com/VoolFI71/arena-kv/internal/config"
	"github.com/VoolFI71/arena-kv/internal/logger"
	"github.com/VoolFI71/arena-kv/internal/metrics"
	"github.com/VoolFI71/arena-kv/internal/resp"
	"github.com/VoolFI71/arena-kv/internal/storage"
)

type server struct {
	gnet.BuiltinEventEngine

	d       *command.Dispatcher
	log     *zap.Logger
	metrics *metrics.Metrics
	bufSize int

	eng    gnet.Engine
	booted chan struct{}
	// out is reused across OnTraffic calls; the loop is single threaded.
	out []byte
}

func newServer(d *command.Dispatcher, log *zap.Logger, m *metrics.Metrics, bufSize int) *server {
	return &server{
		d:       d,
		log:     log,
		metrics: m,
		bufSize: bufSize,
		booted:  make(chan struct{}),
		out:     make([]byte, 0, 64*1024),
	}
}

func (s *server) OnBoot(eng gnet.Engine) gnet.Action {
	s.eng = eng
	close(s.booted)
	s.log.Info("gnet engine started")
	return gnet.None
}

func (s *server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	id := ulid.Make()
	c.SetContext(id)
	s.metrics.ConnOpened()
	s.log.Debug("client connected", zap.Stringer("conn", id), zap.Stringer("remote", c.RemoteAddr()))
	return nil, gnet.None
}

func (s *server) OnClose(c gnet.Conn, err error) gnet.Action {
	s.metrics.ConnClosed()
	fields := []zap.Field{zap.Stringer("remote", c.RemoteAddr())}
	if id, ok := c.Context().(ulid.ULID); ok {
		fields = append(fields, zap.Stringer("conn", id))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.log.Debug("client disconnected", fields...)
	return gnet.None
}

func (s *server) OnTraffic(c gnet.Conn) gnet.Action {
	buf, err := c.Peek(c.InboundBuffered())
	if err != nil {
		return gnet.Close
	}

	res := s.d.Process(buf, s.out[:0])
	s.out = res.Out
	if res.Consumed > 0 {
		_, _ = c.Discard(res.Consumed)
	}

	action := gnet.None
	switch {
	case res.Close:
		action = gnet.Close
	case c.InboundBuffered() >= s.bufSize:
		s.metrics.ProtocolErrors.Inc()
		s.out = resp.AppendError(s.out, fmt.Sprintf("ERR Protocol error: command exceeds %d byte buffer", s.bufSize))
		action = gnet.Close
	}

	if len(s.out) > 0 {
		if _, err := c.Write(s.out); err != nil {
			s.log.Warn("write failed, closing connection", zap.Error(err))
			return gnet.Close
		}
	}
	return action
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "arenakv-gnet",
		Usage:     "arena-kv served by gnet",
		UsageText: "arenakv-gnet [options] <port>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "host", Usage: "listen host"},
			&cli.IntFlag{Name: "arena-size", Usage: "arena capacity in bytes"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Action: run,
	}
}

func run(c *cli.Context) (err error) {
	overrides := make(map[string]any)
	for flag, key := range map[string]string{"host": "host", "arena-size": "arena.size", "log-level": "log.level"} {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	if arg := c.Args().First(); arg != "" {
		port, err := strconv.Atoi(arg)
		if err != nil {
			return errors.Errorf("invalid port %q", arg)
		}
		overrides["port"] = port
	}
	cfg, err := config.Load(config.WithConfigFile(c.String("config")), config.WithOverrides(overrides))
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a := arena.New(cfg.Arena.Size)
	defer func() { err = multierr.Append(err, a.Release()) }()

	m := metrics.NewUnregistered()
	srv := newServer(command.NewDispatcher(storage.New(a), m), log, m, cfg.Conn.Buffer)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	addr := "tcp://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	go func() {
		runErr <- gnet.Run(srv, addr,
			gnet.WithMulticore(false),
			gnet.WithLogger(log.Sugar()),
		)
	}()

	select {
	case err := <-runErr:
		return errors.Wrap(err, "gnet run")
	case <-ctx.Done():
	}

	select {
	case <-srv.booted:
		log.Info("shutting down")
		if err := srv.eng.Stop(context.Background()); err != nil {
			return errors.Wrap(err, "stop engine")
		}
	case err := <-runErr:
		return errors.Wrap(err, "gnet run")
	}
	return errors.Wrap(<-runErr, "gnet run")
}
