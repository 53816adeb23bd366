// Command batchmerge merges the sorted batch files of one aggregate fetch into a
// single result stream.
//
// Usage:
//
//	batchmerge -config merge.yaml
//	batchmerge -chunk-dir /data/chunks -order-by ert -sink file -sink-path out.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/batchmerge/internal/config"
	"github.com/sandboxws/batchmerge/pkg/engine"
	"github.com/sandboxws/batchmerge/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "batchmerge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	orderBy := flag.String("order-by", "", "Order-by type (NONE, ERT, SCET, SCLK, LST, RCT, CHANNEL_ID, MODULE)")
	chunkDir := flag.String("chunk-dir", "", "Directory holding the batch files")
	keep := flag.Bool("keep-temp-files", false, "Do not delete consumed batch files")
	source := flag.String("source", "", "Batch source (dir, generator)")
	sink := flag.String("sink", "", "Sink type (console, file, kafka, duckdb)")
	sinkPath := flag.String("sink-path", "", "Output file or DuckDB database path")
	header := flag.String("header", "", "Header line written before the data")
	trailer := flag.String("trailer", "", "Trailer line written after the data")
	where := flag.String("where", "", "SQL condition rows must satisfy (needs filter.columns)")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	logFile := flag.String("log-file", "", "Write logs to a rotating file")
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "Time allowed to stop after a signal")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// Flags override the file only when given explicitly.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "order-by":
			cfg.OrderBy = *orderBy
		case "chunk-dir":
			cfg.ChunkDir = *chunkDir
		case "keep-temp-files":
			cfg.KeepTempFiles = *keep
		case "source":
			cfg.Source.Type = *source
		case "sink":
			cfg.Sink.Type = *sink
		case "sink-path":
			cfg.Sink.Path = *sinkPath
		case "header":
			cfg.Header = *header
		case "trailer":
			cfg.Trailer = *trailer
		case "where":
			cfg.Filter.Where = *where
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	logger, closer, err := newLogger(*logFormat, cfg.Level(), *logFile)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	eng, err := engine.New(cfg, memory.DefaultAllocator, engine.WithLogger(logger))
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.ServeMetrics(cfg.MetricsAddr)
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	if err := engine.RunWithGracefulShutdown(context.Background(), eng, *shutdownTimeout); err != nil {
		return err
	}

	stats := eng.Stats()
	logger.Info("done",
		"query", stats.QueryID,
		"strategy", stats.Strategy,
		"rows", stats.Rows,
		"rounds", stats.Rounds,
		"elapsed", stats.Elapsed,
	)
	return nil
}
