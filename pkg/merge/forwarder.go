package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sandboxws/batchmerge/pkg/batch"
	"github.com/sandboxws/batchmerge/pkg/metrics"
)

// Forwarder streams batches to the output unmerged, in the order producers
// reserved them.
type Forwarder struct {
	opts   Options
	logger *slog.Logger
}

// NewForwarder creates the unordered strategy.
func NewForwarder(opts Options) *Forwarder {
	opts = opts.withDefaults()
	return &Forwarder{opts: opts, logger: opts.Logger.With("component", "forwarder")}
}

// Name implements Task.
func (f *Forwarder) Name() string { return "forwarder" }

// Run implements Task.
func (f *Forwarder) Run(ctx context.Context) error {
	reg := f.opts.Registry
	for reg.ProductionInProgress() {
		if id, ok := reg.NextBatchID(); ok {
			if err := f.forward(ctx, id); err != nil {
				return err
			}
			continue
		}
		if err := sleep(ctx, f.opts.ForwardPollInterval, nil); err != nil {
			f.logger.Debug("forwarder wait interrupted", "error", err)
			return err
		}
	}
	return nil
}

// forward pushes one batch to the output and retires it. Only context errors
// are returned; a batch that fails for any other reason is dropped.
func (f *Forwarder) forward(ctx context.Context, id string) error {
	info, ok := f.opts.Registry.Batch(id)
	if !ok {
		return nil
	}
	rows, err := f.stream(ctx, id)
	switch {
	case err == nil:
		metrics.RowsMerged.WithLabelValues(metrics.PhaseForward).Add(float64(rows))
		f.retire(info)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, batch.ErrNotFound):
		f.logger.Debug("batch dropped", "batch", id, "error", err)
		metrics.BatchesDropped.WithLabelValues(metrics.PhaseForward, "not_found").Inc()
		f.retire(info)
	default:
		// The files stay on disk for inspection.
		f.logger.Error("forwarding batch failed", "batch", id, "rows", rows,
			"record_file", info.RecordFile, "error", err)
		metrics.BatchesDropped.WithLabelValues(metrics.PhaseForward, "io").Inc()
		metrics.Errors.WithLabelValues("forwarder").Inc()
		f.opts.Registry.RemoveBatch(info.ID)
	}
	return nil
}

func (f *Forwarder) stream(ctx context.Context, id string) (rows int64, err error) {
	rr, err := f.opts.Records.OpenRecords(id)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := rr.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close batch %s: %w", id, cerr)
		}
	}()

	size := f.opts.OutputChunkSize
	chunk := newChunk(size)
	for {
		record, ok := rr.Next()
		if !ok {
			break
		}
		chunk = append(chunk, record)
		rows++
		if len(chunk) == size {
			if err := f.opts.Registry.PushToOutput(ctx, chunk); err != nil {
				return rows, err
			}
			chunk = newChunk(size)
		}
	}
	if err := rr.Err(); err != nil {
		return rows, err
	}
	if len(chunk) > 0 {
		if err := f.opts.Registry.PushToOutput(ctx, chunk); err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func (f *Forwarder) retire(info batch.Info) {
	f.opts.Registry.RemoveBatch(info.ID)
	if f.opts.KeepTempFiles {
		return
	}
	if err := batch.Remove(info); err != nil {
		f.logger.Warn("deleting forwarded batch failed", "batch", info.ID, "error", err)
	}
}
