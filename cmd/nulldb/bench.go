package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	P99Latency    time.Duration
}

type benchOptions struct {
	clientOptions
	ops         int
	concurrency int
	valueSize   int
}

func newBenchCmd() *cobra.Command {
	opts := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run concurrent put and get passes against a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBench(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	opts.bind(cmd)
	f := cmd.Flags()
	f.IntVarP(&opts.ops, "ops", "n", 1000, "operations per pass")
	f.IntVar(&opts.concurrency, "concurrency", 10, "concurrent clients")
	f.IntVar(&opts.valueSize, "value-size", 64, "value size in bytes")
	return cmd
}

func runBench(ctx context.Context, out io.Writer, opts *benchOptions) error {
	if opts.ops <= 0 || opts.concurrency <= 0 {
		return errors.New("ops and concurrency must be positive")
	}
	c := opts.client()
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("node %s is not available: %w", opts.addr, err)
	}

	fmt.Fprintln(out, "=== NullDB Benchmark ===")
	fmt.Fprintf(out, "Target: %s, %d ops, %d clients\n\n", opts.addr, opts.ops, opts.concurrency)

	value := strings.Repeat("x", opts.valueSize)
	writes, err := benchmark(ctx, opts.ops, opts.concurrency, func(ctx context.Context, i int) error {
		return c.Put(ctx, benchKey(i), value)
	})
	if err != nil {
		return err
	}
	printResult(out, "Writes", writes)

	reads, err := benchmark(ctx, opts.ops, opts.concurrency, func(ctx context.Context, i int) error {
		_, err := c.Get(ctx, benchKey(i))
		return err
	})
	if err != nil {
		return err
	}
	printResult(out, "Reads", reads)
	return nil
}

func benchKey(i int) string {
	return fmt.Sprintf("bench_key_%d", i)
}

// benchmark spreads totalOps over concurrency workers. Failed operations are
// counted, not returned; only cancellation aborts the run.
func benchmark(ctx context.Context, totalOps, concurrency int, op func(context.Context, int) error) (BenchmarkResult, error) {
	var (
		mu        sync.Mutex
		failed    int
		latencies = make([]time.Duration, 0, totalOps)
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			for i := w; i < totalOps; i += concurrency {
				if err := gctx.Err(); err != nil {
					return err
				}
				opStart := time.Now()
				err := op(gctx, i)
				latency := time.Since(opStart)

				mu.Lock()
				if err != nil {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BenchmarkResult{}, err
	}
	return summarize(latencies, failed, time.Since(start)), nil
}

func summarize(latencies []time.Duration, failed int, d time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      len(latencies),
		SuccessfulOps: len(latencies) - failed,
		FailedOps:     failed,
		Duration:      d,
	}
	if len(latencies) == 0 {
		return res
	}

	slices.Sort(latencies)
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.P99Latency = latencies[(len(latencies)*99)/100]
	if d > 0 {
		res.OpsPerSec = float64(res.SuccessfulOps) / d.Seconds()
	}
	return res
}

func printResult(out io.Writer, name string, r BenchmarkResult) {
	fmt.Fprintf(out, "%s:\n", name)
	fmt.Fprintf(out, "  Total: %d, OK: %d, Failed: %d\n", r.TotalOps, r.SuccessfulOps, r.FailedOps)
	fmt.Fprintf(out, "  Duration: %v, Throughput: %.1f ops/s\n", r.Duration, r.OpsPerSec)
	fmt.Fprintf(out, "  Latency avg %v, min %v, max %v, p99 %v\n\n", r.AvgLatency, r.MinLatency, r.MaxLatency, r.P99Latency)
}
