package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VoolFI71/arena-kv/internal/arena"
	"github.com/VoolFI71/arena-kv/internal/command"
	"github.com/VoolFI71/arena-kv/internal/config"
	"github.com/VoolFI71/arena-kv/internal/logger"
	"github.com/VoolFI71/arena-kv/internal/metrics"
	"github.com/VoolFI71/arena-kv/internal/storage"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

// engine is the network front end driving the dispatcher.
type engine interface {
	Serve() error
	Close() error
	Addr() net.Addr
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "arenakv",
		Usage:     "single-threaded in-memory key-value server speaking RESP",
		UsageText: "arenakv [options] <port>",
		Version:   version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"ARENAKV_CONFIG"}},
			&cli.StringFlag{Name: "host", Usage: "listen host"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "listen port"},
			&cli.IntFlag{Name: "arena-size", Usage: "arena capacity in bytes"},
			&cli.BoolFlag{Name: "mmap", Usage: "back the arena with an anonymous mapping"},
			&cli.IntFlag{Name: "buffer", Usage: "per-connection input buffer in bytes"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Usage: "json or console"},
			&cli.StringFlag{Name: "log-file", Usage: "write logs to a rotated file instead of stderr"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
		},
		Action: run,
	}
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"host":         "host",
	"port":         "port",
	"arena-size":   "arena.size",
	"mmap":         "arena.mmap",
	"buffer":       "conn.buffer",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-file":     "log.file",
	"metrics-addr": "metrics.addr",
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	if arg := c.Args().First(); arg != "" {
		port, err := strconv.Atoi(arg)
		if err != nil {
			return nil, errors.Errorf("invalid port %q", arg)
		}
		overrides["port"] = port
	}

	cfg, err := config.Load(
		config.WithConfigFile(c.String("config")),
		config.WithOverrides(overrides),
	)
	if errors.Is(err, config.ErrPortRequired) {
		return nil, errors.Wrap(err, "usage: "+c.App.UsageText)
	}
	return cfg, err
}

func newArena(cfg config.ArenaConfig) (*arena.Arena, error) {
	if cfg.Mmap {
		return arena.NewMapped(cfg.Size)
	}
	return arena.New(cfg.Size), nil
}

func run(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := newArena(cfg.Arena)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Release()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	d := command.NewDispatcher(storage.New(a), m)
	eng, err := newEngine(cfg, d, log, m)
	if err != nil {
		return err
	}
	log.Info("arenakv started",
		zap.String("version", version),
		zap.Stringer("addr", eng.Addr()),
		zap.Int("arena", a.Cap()),
		zap.Bool("mmap", cfg.Arena.Mmap),
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(eng.Serve)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		err := eng.Close()
		if metricsSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err = multierr.Append(err, metricsSrv.Shutdown(sctx))
		}
		return err
	})

	return g.Wait()
}
