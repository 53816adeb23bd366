// Package output drains the registry's output queue into a sink, optionally
// parsing rows into Arrow records and filtering them on the way.
package output

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	helpers "github.com/sandboxws/batchmerge/pkg/arrow/helpers"
	"github.com/sandboxws/batchmerge/pkg/metrics"
	"github.com/sandboxws/batchmerge/pkg/operator"
)

// Options configures a Controller.
type Options struct {
	// Queue is drained until it is closed.
	Queue <-chan []string

	Sink operator.Sink

	// Header, when set, is written before any data and bypasses the filters.
	Header string

	// Trailer, when set, is written after the last chunk once the queue is
	// closed. A run that ends with an error gets no trailer.
	Trailer string

	// Schema describes the CSV columns of every row. When nil, rows are passed
	// through as lines only and Filters must be empty.
	Schema *arrow.Schema

	Filters []Filter

	// SinkName labels the sink in metrics.
	SinkName string
}

// Controller moves chunks from the output queue to the sink.
type Controller struct {
	opts   Options
	logger *slog.Logger
	alloc  memory.Allocator

	rows   int64
	chunks int64
}

// NewController validates opts and creates a controller.
func NewController(opts Options) (*Controller, error) {
	if opts.Queue == nil || opts.Sink == nil {
		return nil, fmt.Errorf("output controller: queue and sink are required")
	}
	if opts.Schema == nil && len(opts.Filters) > 0 {
		return nil, fmt.Errorf("output controller: filters need an output schema")
	}
	if opts.SinkName == "" {
		opts.SinkName = "sink"
	}
	return &Controller{opts: opts}, nil
}

// Run opens the sink, writes every queued chunk, and closes the sink once the
// queue is closed.
func (c *Controller) Run(opCtx *operator.Context) (err error) {
	c.logger = opCtx.Logger
	c.alloc = opCtx.Alloc
	if err := c.opts.Sink.Open(opCtx); err != nil {
		return fmt.Errorf("open %s: %w", c.opts.SinkName, err)
	}
	defer func() {
		if cerr := c.opts.Sink.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", c.opts.SinkName, cerr)
		}
	}()

	if c.opts.Header != "" {
		if err := c.opts.Sink.WriteChunk(operator.Chunk{Lines: []string{c.opts.Header}, Header: true}); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	ctx := opCtx.Ctx
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("output controller interrupted", "rows", c.rows)
			return ctx.Err()
		case lines, ok := <-c.opts.Queue:
			if !ok {
				if err := c.writeTrailer(); err != nil {
					return err
				}
				c.logger.Info("output complete", "rows", c.rows, "chunks", c.chunks)
				return nil
			}
			if err := c.handle(ctx, opCtx, lines); err != nil {
				metrics.Errors.WithLabelValues("output").Inc()
				opCtx.Metrics.Errors.Add(1)
				return err
			}
		}
	}
}

func (c *Controller) writeTrailer() error {
	if c.opts.Trailer == "" {
		return nil
	}
	if err := c.opts.Sink.WriteChunk(operator.Chunk{Lines: []string{c.opts.Trailer}, Header: true}); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	return nil
}

func (c *Controller) handle(ctx context.Context, opCtx *operator.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	chunk := operator.Chunk{Lines: lines}
	if c.opts.Schema != nil {
		rec, err := helpers.RecordFromCSV(c.alloc, c.opts.Schema, lines)
		if err != nil {
			return fmt.Errorf("parse output rows: %w", err)
		}
		chunk.Record = rec
		defer func() { chunk.Record.Release() }()

		for _, f := range c.opts.Filters {
			var err error
			before := chunk.Len()
			chunk, err = c.apply(ctx, f, chunk)
			if err != nil {
				return err
			}
			metrics.RowsFiltered.WithLabelValues(f.Name()).Add(float64(before - chunk.Len()))
			if chunk.Len() == 0 {
				return nil
			}
		}
	}

	if err := c.opts.Sink.WriteChunk(chunk); err != nil {
		return fmt.Errorf("write to %s: %w", c.opts.SinkName, err)
	}
	c.rows += int64(chunk.Len())
	c.chunks++
	opCtx.Metrics.ChunksProcessed.Add(1)
	opCtx.Metrics.RowsProcessed.Add(int64(chunk.Len()))
	metrics.SinkRows.WithLabelValues(c.opts.SinkName).Add(float64(chunk.Len()))
	return nil
}

// apply runs one filter and returns the surviving rows. The input record is
// released when a new one replaces it.
func (c *Controller) apply(ctx context.Context, f Filter, in operator.Chunk) (operator.Chunk, error) {
	mask, err := f.Keep(ctx, in)
	if err != nil {
		return in, fmt.Errorf("%s filter: %w", f.Name(), err)
	}
	defer mask.Release()

	rec, err := helpers.Filter(ctx, in.Record, mask)
	if err != nil {
		return in, fmt.Errorf("%s filter: %w", f.Name(), err)
	}
	in.Record.Release()
	return operator.Chunk{Lines: helpers.FilterLines(in.Lines, mask), Record: rec}, nil
}

// Rows returns the number of rows written so far, excluding the header.
func (c *Controller) Rows() int64 { return c.rows }
