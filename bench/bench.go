// Package bench is a load generator for the server: it drives pipelined
// workloads from several clients and reports throughput and batch latency.
package bench

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/VoolFI71/arena-kv/internal/client"
	"github.com/VoolFI71/arena-kv/internal/resp"
)

type Options struct {
	Addr    string
	Ops     int
	Clients int
	// Pipeline is the number of requests sent before reading replies. 1 means
	// one round trip per operation.
	Pipeline int
}

// Workload queues the request for operation idx on c.
type Workload struct {
	Name  string
	Queue func(c *client.Client, idx int) error
}

type Results struct {
	Name         string
	TotalOps     int64
	Errors       int64
	Duration     time.Duration
	OpsPerSecond float64
	AvgLatency   time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration
	P50Latency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
}

func Key(prefix string, idx int) string {
	return prefix + strconv.Itoa(idx)
}

func Value(idx int) string {
	return "value_" + strconv.Itoa(idx)
}

func SetWorkload(prefix string) Workload {
	return Workload{
		Name: "SET",
		Queue: func(c *client.Client, idx int) error {
			return c.SetPipeline(Key(prefix, idx), Value(idx))
		},
	}
}

// GetWorkload reads keys prefix0 .. prefix(keyspace-1) round robin.
func GetWorkload(prefix string, keyspace int) Workload {
	return Workload{
		Name: "GET",
		Queue: func(c *client.Client, idx int) error {
			return c.GetPipeline(Key(prefix, idx%keyspace))
		},
	}
}

// MixedWorkload alternates SET and GET on the same keyspace.
func MixedWorkload(prefix string, keyspace int) Workload {
	return Workload{
		Name: "SET/GET",
		Queue: func(c *client.Client, idx int) error {
			key := Key(prefix, idx%keyspace)
			if idx%2 == 0 {
				return c.SetPipeline(key, Value(idx))
			}
			return c.GetPipeline(key)
		},
	}
}

// Populate stores n keys for a later GET workload.
func Populate(addr, prefix string, n int) error {
	c, err := client.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	const batch = 100
	for i := 0; i < n; i += batch {
		end := min(i+batch, n)
		for j := i; j < end; j++ {
			if err := c.SetPipeline(Key(prefix, j), Value(j)); err != nil {
				return err
			}
		}
		if err := c.Flush(); err != nil {
			return err
		}
		if err := c.ReadPipelineResponses(end - i); err != nil {
			return errors.Wrap(err, "populate")
		}
	}
	return nil
}

// Run executes w with opts. A client that cannot connect or loses its
// connection aborts the run; error replies are counted in Results.Errors.
func Run(ctx context.Context, opts Options, w Workload) (Results, error) {
	if opts.Clients <= 0 {
		opts.Clients = 1
	}
	if opts.Pipeline <= 0 {
		opts.Pipeline = 1
	}
	perClient := max(opts.Ops/opts.Clients, 1)

	var totalOps, totalErrors atomic.Int64
	latencies := make([][]time.Duration, opts.Clients)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < opts.Clients; id++ {
		g.Go(func() error {
			c, err := client.Dial(opts.Addr)
			if err != nil {
				return err
			}
			defer c.Close()

			lat := make([]time.Duration, 0, perClient/opts.Pipeline+1)
			idx := id * perClient
			for remaining := perClient; remaining > 0; {
				if err := ctx.Err(); err != nil {
					return err
				}
				n := min(opts.Pipeline, remaining)
				batchStart := time.Now()
				for j := 0; j < n; j++ {
					if err := w.Queue(c, idx+j); err != nil {
						return err
					}
				}
				if err := c.Flush(); err != nil {
					return err
				}
				replyErr := c.ReadPipelineResponses(n)
				lat = append(lat, time.Since(batchStart))

				switch {
				case replyErr == nil:
					totalOps.Add(int64(n))
				case isServerError(replyErr):
					totalErrors.Add(int64(n))
				default:
					return replyErr
				}
				idx += n
				remaining -= n
			}
			latencies[id] = lat
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Results{}, errors.Wrapf(err, "%s benchmark", w.Name)
	}

	res := summarize(slices.Concat(latencies...))
	res.Name = w.Name
	res.Duration = time.Since(start)
	res.TotalOps = totalOps.Load()
	res.Errors = totalErrors.Load()
	if res.Duration > 0 {
		res.OpsPerSecond = float64(res.TotalOps) / res.Duration.Seconds()
	}
	return res, nil
}

func isServerError(err error) bool {
	var se resp.ServerError
	return errors.As(err, &se)
}

func summarize(lat []time.Duration) Results {
	var res Results
	if len(lat) == 0 {
		return res
	}
	slices.Sort(lat)

	var total time.Duration
	for _, d := range lat {
		total += d
	}
	res.AvgLatency = total / time.Duration(len(lat))
	res.MinLatency = lat[0]
	res.MaxLatency = lat[len(lat)-1]
	res.P50Latency = percentile(lat, 50)
	res.P95Latency = percentile(lat, 95)
	res.P99Latency = percentile(lat, 99)
	return res
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	i := len(sorted) * p / 100
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func Print(w io.Writer, r Results) {
	fmt.Fprintf(w, "=== %s ===\n", r.Name)
	fmt.Fprintf(w, "  ops:        %d\n", r.TotalOps)
	fmt.Fprintf(w, "  errors:     %d\n", r.Errors)
	fmt.Fprintf(w, "  duration:   %v\n", r.Duration)
	fmt.Fprintf(w, "  throughput: %.2f ops/sec\n", r.OpsPerSecond)
	fmt.Fprintf(w, "  latency per batch:\n")
	fmt.Fprintf(w, "    avg %10v  p50 %10v  p95 %10v  p99 %10v\n", r.AvgLatency, r.P50Latency, r.P95Latency, r.P99Latency)
	fmt.Fprintf(w, "    min %10v  max %10v\n", r.MinLatency, r.MaxLatency)
}
