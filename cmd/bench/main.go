// Command bench drives load against a running server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/VoolFI71/arena-kv/bench"
)

const keyspace = 10000

func main() {
	app := &cli.App{
		Name:  "arenakv-bench",
		Usage: "load generator for arenakv",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "localhost:6379", Usage: "server address"},
			&cli.StringFlag{Name: "kind", Value: "all", Usage: "set, get, mixed or all"},
			&cli.IntFlag{Name: "ops", Value: 1000000, Usage: "operations per workload"},
			&cli.IntFlag{Name: "clients", Value: 10, Usage: "concurrent connections"},
			&cli.IntFlag{Name: "pipeline", Value: 100, Usage: "requests per batch, 1 disables pipelining"},
			&cli.DurationFlag{Name: "start-delay", Usage: "wait before starting, for attaching a profiler"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	opts := bench.Options{
		Addr:     c.String("addr"),
		Ops:      c.Int("ops"),
		Clients:  c.Int("clients"),
		Pipeline: c.Int("pipeline"),
	}

	var workloads []bench.Workload
	switch kind := c.String("kind"); kind {
	case "set":
		workloads = []bench.Workload{bench.SetWorkload("bench_key_")}
	case "get":
		workloads = []bench.Workload{bench.GetWorkload("bench_key_", keyspace)}
	case "mixed":
		workloads = []bench.Workload{bench.MixedWorkload("bench_key_", keyspace)}
	case "all":
		workloads = []bench.Workload{
			bench.SetWorkload("bench_key_"),
			bench.GetWorkload("bench_key_", keyspace),
			bench.MixedWorkload("bench_key_", keyspace),
		}
	default:
		return errors.Errorf("unknown workload %q", kind)
	}

	if d := c.Duration("start-delay"); d > 0 {
		fmt.Printf("starting in %v\n", d)
		time.Sleep(d)
	}

	fmt.Printf("populating %d keys on %s\n", keyspace, opts.Addr)
	if err := bench.Populate(opts.Addr, "bench_key_", keyspace); err != nil {
		return err
	}

	for _, w := range workloads {
		res, err := bench.Run(c.Context, opts, w)
		if err != nil {
			return err
		}
		bench.Print(os.Stdout, res)
	}
	return nil
}
