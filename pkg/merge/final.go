package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/sandboxws/batchmerge/pkg/metrics"
)

// FinalMerge produces the ordered result stream. It runs the reduction
// scheduler until the registry is ready for the final merge, then merges every
// remaining batch into output chunks.
type FinalMerge struct {
	opts      Options
	scheduler *ReductionScheduler
	logger    *slog.Logger
}

// NewFinalMerge creates the ordered strategy. A nil scheduler disables reduction.
func NewFinalMerge(opts Options, scheduler *ReductionScheduler) *FinalMerge {
	opts = opts.withDefaults()
	return &FinalMerge{
		opts:      opts,
		scheduler: scheduler,
		logger:    opts.Logger.With("component", "final_merge"),
	}
}

// Name implements Task.
func (f *FinalMerge) Name() string { return "final_merge" }

// Run implements Task.
func (f *FinalMerge) Run(ctx context.Context) error {
	if f.scheduler != nil {
		schedErr := make(chan error, 1)
		go func() { schedErr <- f.scheduler.Run(ctx) }()
		defer f.scheduler.Shutdown()

		if err := f.awaitReady(ctx); err != nil {
			return err
		}
		f.scheduler.Shutdown()
		if err := <-schedErr; err != nil && ctx.Err() == nil {
			return fmt.Errorf("reduction scheduler: %w", err)
		}
	} else if err := f.awaitReady(ctx); err != nil {
		return err
	}
	return f.merge(ctx)
}

func (f *FinalMerge) awaitReady(ctx context.Context) error {
	for !f.opts.Registry.ReadyForFinalMerge() {
		if err := sleep(ctx, f.opts.FinalMergePollInterval, nil); err != nil {
			f.logger.Debug("final merge wait interrupted", "error", err)
			return err
		}
	}
	return nil
}

func (f *FinalMerge) merge(ctx context.Context) (err error) {
	start := time.Now()
	batches := f.opts.Registry.TakeAll()
	f.logger.Info("final merge started", "batches", len(batches))

	k := newKWay(f.opts, metrics.PhaseFinal, f.logger)
	k.skipFailed = true
	defer func() {
		err = multierr.Append(err, k.close())
	}()
	if err := k.open(batches); err != nil {
		return fmt.Errorf("final merge: %w", err)
	}

	size := f.opts.OutputChunkSize
	chunk := newChunk(size)
	var rows, pushes int64
	for {
		if rows%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		_, record, ok, err := k.next()
		if err != nil {
			return fmt.Errorf("final merge: %w", err)
		}
		if !ok {
			break
		}
		chunk = append(chunk, record)
		rows++
		if len(chunk) == size {
			if err := f.opts.Registry.PushToOutput(ctx, chunk); err != nil {
				return err
			}
			pushes++
			chunk = newChunk(size)
		}
	}
	// The trailing chunk is pushed even when empty.
	if err := f.opts.Registry.PushToOutput(ctx, chunk); err != nil {
		return err
	}
	pushes++

	metrics.RowsMerged.WithLabelValues(metrics.PhaseFinal).Add(float64(rows))
	metrics.MergeLatency.WithLabelValues(metrics.PhaseFinal).Observe(time.Since(start).Seconds())
	f.logger.Info("final merge finished", "rows", rows, "chunks", pushes,
		"dropped", k.dropped, "duration", time.Since(start))
	return nil
}

func newChunk(size int) []string {
	return make([]string, 0, min(size, 4096))
}
