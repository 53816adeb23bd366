// Package engine runs one aggregate fetch: it starts the batch producers,
// merges their batches with the strategy the query's ordering calls for, and
// drains the result stream into the configured sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/batchmerge/internal/config"
	"github.com/sandboxws/batchmerge/pkg/merge"
	"github.com/sandboxws/batchmerge/pkg/metrics"
	"github.com/sandboxws/batchmerge/pkg/operator"
	"github.com/sandboxws/batchmerge/pkg/output"
	"github.com/sandboxws/batchmerge/pkg/registry"
)

// Option customizes an Engine.
type Option func(*Engine)

// WithSources replaces the producers built from the configuration.
func WithSources(f SourceFactory) Option {
	return func(e *Engine) { e.sources = f }
}

// WithSink replaces the sink built from the configuration.
func WithSink(f SinkFactory) Option {
	return func(e *Engine) { e.sink = f }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Stats summarizes a finished run.
type Stats struct {
	QueryID  string
	Strategy string
	Rows     int64
	Rounds   int
	Elapsed  time.Duration
}

// Engine executes one query run.
type Engine struct {
	cfg     *config.Config
	alloc   memory.Allocator
	queryID string
	logger  *slog.Logger

	sources SourceFactory
	sink    SinkFactory

	mu     sync.Mutex
	cancel context.CancelFunc
	stats  Stats
}

// New validates cfg and creates an engine for it.
func New(cfg *config.Config, alloc memory.Allocator, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	e := &Engine{
		cfg:     cfg,
		alloc:   alloc,
		queryID: uuid.NewString(),
		sources: DefaultSources,
		sink:    DefaultSink,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("query", e.queryID)
	return e, nil
}

// QueryID identifies this run in logs.
func (e *Engine) QueryID() string { return e.queryID }

// Stats returns the summary of the last run.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Run executes the query and blocks until the result stream is complete, a
// fatal error occurs, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) (err error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	chunkDir, err := e.prepareChunkDir()
	if err != nil {
		return err
	}
	defer func() { e.cleanupChunkDir(chunkDir, err) }()

	sources, err := e.sources(e.cfg, chunkDir)
	if err != nil {
		return fmt.Errorf("build sources: %w", err)
	}
	sink, sinkName, err := e.sink(e.cfg)
	if err != nil {
		return fmt.Errorf("build sink: %w", err)
	}
	schema, err := outputSchema(e.cfg)
	if err != nil {
		return fmt.Errorf("output columns: %w", err)
	}
	filters, err := buildFilters(e.cfg, schema, e.alloc)
	if err != nil {
		return err
	}

	reg := registry.NewMemory(registry.Options{
		ChunkDir:        chunkDir,
		MaxOpenBatches:  e.cfg.MaxOpenBatches,
		OutputQueueSize: e.cfg.OutputQueueSize,
		Logger:          e.logger,
	})
	task := merge.Select(merge.Options{
		OrderBy:                e.cfg.Order(),
		Registry:               reg,
		KeepTempFiles:          e.cfg.KeepTempFiles,
		GroupSize:              e.cfg.GroupSize,
		ParallelThreads:        e.cfg.ParallelThreads,
		OutputChunkSize:        e.cfg.OutputChunkSize,
		ForwardPollInterval:    e.cfg.ForwardPollInterval,
		ReducePollInterval:     e.cfg.ReducePollInterval,
		FinalMergePollInterval: e.cfg.FinalMergePollInterval,
		Logger:                 e.logger,
	})
	controller, err := output.NewController(output.Options{
		Queue:    reg.Output(),
		Sink:     sink,
		Header:   e.cfg.Header,
		Trailer:  e.cfg.Trailer,
		Schema:   schema,
		Filters:  filters,
		SinkName: sinkName,
	})
	if err != nil {
		return err
	}

	e.logger.Info("query started",
		"strategy", task.Name(),
		"order_by", e.cfg.Order(),
		"chunk_dir", chunkDir,
		"producers", len(sources),
		"sink", sinkName,
	)

	g, gctx := errgroup.WithContext(ctx)

	// Every producer is counted before production is declared finished, so
	// the final merge cannot start while one is still being launched.
	for i, src := range sources {
		reg.ProducerStarted()
		name := fmt.Sprintf("source-%d", i)
		g.Go(func() error {
			defer reg.ProducerDone()
			e.runSource(gctx, name, src, reg)
			return nil
		})
	}
	reg.FinishProduction()

	// The output is closed only after a complete merge, so the controller
	// never writes the trailer for a failed run.
	g.Go(func() error {
		if err := task.Run(gctx); err != nil {
			return fmt.Errorf("%s: %w", task.Name(), err)
		}
		reg.CloseOutput()
		return nil
	})

	g.Go(func() error {
		return controller.Run(operator.NewContext(gctx, e.alloc, e.queryID, sinkName))
	})

	err = g.Wait()

	e.mu.Lock()
	e.stats = Stats{
		QueryID:  e.queryID,
		Strategy: task.Name(),
		Rows:     controller.Rows(),
		Rounds:   reg.Rounds(),
		Elapsed:  time.Since(start),
	}
	stats := e.stats
	e.mu.Unlock()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			metrics.Errors.WithLabelValues("engine").Inc()
		}
		e.logger.Error("query failed", "error", err, "rows", stats.Rows, "elapsed", stats.Elapsed)
		return err
	}
	e.logger.Info("query finished", "rows", stats.Rows, "rounds", stats.Rounds, "elapsed", stats.Elapsed)
	return nil
}

// runSource drives one producer. A failing producer loses its remaining
// batches but does not abort the query.
func (e *Engine) runSource(ctx context.Context, name string, src operator.Source, reg operator.Registrar) {
	opCtx := operator.NewContext(ctx, e.alloc, e.queryID, name)
	if err := src.Open(opCtx); err != nil {
		metrics.Errors.WithLabelValues("source").Inc()
		e.logger.Error("source open failed", "source", name, "error", err)
		return
	}
	defer func() {
		if err := src.Close(); err != nil {
			e.logger.Warn("source close failed", "source", name, "error", err)
		}
	}()
	if err := src.Run(opCtx, reg); err != nil {
		metrics.Errors.WithLabelValues("source").Inc()
		e.logger.Error("source run failed", "source", name, "error", err)
	}
}

// prepareChunkDir returns the directory batches live in. Without a configured
// chunk_dir a temporary one is created.
func (e *Engine) prepareChunkDir() (string, error) {
	if e.cfg.ChunkDir != "" {
		if err := os.MkdirAll(e.cfg.ChunkDir, 0o755); err != nil {
			return "", fmt.Errorf("chunk dir: %w", err)
		}
		return e.cfg.ChunkDir, nil
	}
	dir, err := os.MkdirTemp("", "batchmerge-"+e.queryID+"-")
	if err != nil {
		return "", fmt.Errorf("chunk dir: %w", err)
	}
	return dir, nil
}

// cleanupChunkDir removes the chunk directory with whatever it still holds,
// configured or temporary. It is kept when keep_temp_files is set or when the
// run failed for a reason other than cancellation.
func (e *Engine) cleanupChunkDir(dir string, runErr error) {
	switch {
	case e.cfg.KeepTempFiles:
		e.logger.Info("keeping chunk dir", "dir", dir)
		return
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		e.logger.Warn("keeping chunk dir of failed run", "dir", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("remove chunk dir", "dir", dir, "error", err)
	}
}

// Stop cancels a running query.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}
