package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/sandboxws/batchmerge/pkg/batch"
	"github.com/sandboxws/batchmerge/pkg/metrics"
)

// ctxCheckEvery is how many rows a merge loop writes between context checks.
const ctxCheckEvery = 1024

// GroupMerge merges a claimed group of batches into one intermediary batch and
// registers it in their place.
type GroupMerge struct {
	opts   Options
	group  []batch.Info
	logger *slog.Logger
}

// NewGroupMerge creates the task for one group. The group must already be
// claimed for reduction and counted with IncrementReductionCount.
func NewGroupMerge(opts Options, group []batch.Info) *GroupMerge {
	opts = opts.withDefaults()
	return &GroupMerge{
		opts:   opts,
		group:  group,
		logger: opts.Logger.With("component", "group_merge"),
	}
}

// Run performs the merge. On failure the partial output is deleted, nothing is
// registered, and the batches that were not exhausted become active again.
func (g *GroupMerge) Run(ctx context.Context) error {
	start := time.Now()
	ids := batchIDs(g.group)
	out := g.opts.Registry.NewMergedBatch()
	logger := g.logger.With("merged", out.ID)

	rows, err := g.merge(ctx, out, logger)
	if err != nil {
		logger.Error("group merge failed", "batches", ids, "error", err)
		metrics.GroupMerges.WithLabelValues("failed").Inc()
		metrics.Errors.WithLabelValues("group_merge").Inc()
		if rmErr := batch.Remove(out); rmErr != nil {
			logger.Warn("deleting partial merge output failed", "error", rmErr)
		}
		g.opts.Registry.AbandonReduction(ids)
		return err
	}

	metrics.MergeLatency.WithLabelValues(metrics.PhaseReduce).Observe(time.Since(start).Seconds())
	metrics.RowsMerged.WithLabelValues(metrics.PhaseReduce).Add(float64(rows))

	if rows == 0 {
		// Every input was empty or missing.
		logger.Debug("group merge produced no rows", "batches", ids)
		metrics.GroupMerges.WithLabelValues("empty").Inc()
		if rmErr := batch.Remove(out); rmErr != nil {
			logger.Warn("deleting empty merge output failed", "error", rmErr)
		}
		g.opts.Registry.AbandonReduction(ids)
		return nil
	}

	if err := g.opts.Registry.RegisterMergedBatch(out, ids); err != nil {
		logger.Error("registering merged batch failed", "batches", ids, "error", err)
		metrics.GroupMerges.WithLabelValues("failed").Inc()
		metrics.Errors.WithLabelValues("group_merge").Inc()
		if rmErr := batch.Remove(out); rmErr != nil {
			logger.Warn("deleting unregistered merge output failed", "error", rmErr)
		}
		g.opts.Registry.AbandonReduction(ids)
		return fmt.Errorf("register %s: %w", out.ID, err)
	}
	metrics.GroupMerges.WithLabelValues("ok").Inc()
	logger.Debug("group merge finished", "batches", ids, "rows", rows, "duration", time.Since(start))
	return nil
}

func (g *GroupMerge) merge(ctx context.Context, out batch.Info, logger *slog.Logger) (rows int64, err error) {
	k := newKWay(g.opts, metrics.PhaseReduce, logger)
	defer func() {
		err = multierr.Append(err, k.close())
	}()
	if err := k.open(g.group); err != nil {
		return 0, err
	}

	pw, err := batch.CreatePair(g.opts.Writers, out)
	if err != nil {
		return 0, err
	}
	for {
		if pw.Rows()%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, multierr.Append(err, pw.Close())
			}
		}
		key, record, ok, err := k.next()
		if err != nil {
			return 0, multierr.Append(err, pw.Close())
		}
		if !ok {
			break
		}
		if err := pw.Write(key, record); err != nil {
			return 0, multierr.Append(err, pw.Close())
		}
	}
	if err := pw.Close(); err != nil {
		return 0, err
	}
	return pw.Rows(), nil
}
