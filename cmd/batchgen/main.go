// Command batchgen writes synthetic telemetry batches into a chunk directory,
// each batch sorted by the requested order-by key. The output feeds
// "batchmerge -source dir".
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/batchmerge/pkg/batch"
	"github.com/sandboxws/batchmerge/pkg/connectors"
	"github.com/sandboxws/batchmerge/pkg/operator"
	"github.com/sandboxws/batchmerge/pkg/registry"
)

func main() {
	dir := flag.String("dir", "", "Chunk directory to write into")
	orderBy := flag.String("order-by", "ERT", "Order-by type the batches are sorted by")
	producers := flag.Int("producers", 4, "Number of concurrent producers")
	batches := flag.Int("batches", 10, "Batches per producer")
	rows := flag.Int("rows", 1000, "Rows per batch")
	interval := flag.Duration("interval", 0, "Pause between batches of one producer")
	channels := flag.Int("channels", 16, "Number of distinct channels")
	seed := flag.Uint64("seed", 42, "Random seed")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: batchgen -dir <chunk-dir> [flags]")
		os.Exit(2)
	}
	order, err := batch.ParseOrderBy(*orderBy)
	if err != nil {
		slog.Error("invalid order-by", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		slog.Error("failed to create chunk dir", "error", err)
		os.Exit(1)
	}

	slog.Info("starting batch generator",
		"dir", *dir,
		"order_by", order,
		"producers", *producers,
		"batches", *batches,
		"rows", *rows,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The registry only hands out batch ids here; nothing is merged.
	reg := registry.NewMemory(registry.Options{ChunkDir: *dir})

	// Report progress every second.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var last int
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current := reg.Len()
				slog.Info("generator throughput", "batches/sec", current-last, "total", current)
				last = current
			}
		}
	}()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *producers; i++ {
		gen := connectors.NewGenerator(connectors.GeneratorOptions{
			Dir:          *dir,
			OrderBy:      order,
			Batches:      *batches,
			RowsPerBatch: *rows,
			Interval:     *interval,
			Channels:     *channels,
			Seed:         *seed + uint64(i),
		})
		opCtx := operator.NewContext(gctx, nil, "batchgen", fmt.Sprintf("producer-%d", i))
		g.Go(func() error {
			if err := gen.Open(opCtx); err != nil {
				return err
			}
			defer gen.Close()
			return gen.Run(opCtx, reg)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("generator failed", "error", err)
		os.Exit(1)
	}

	slog.Info("generator stopped", "batches", reg.Len(), "elapsed", time.Since(start))
}
