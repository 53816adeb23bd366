package merge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/batchmerge/pkg/batch"
	"github.com/sandboxws/batchmerge/pkg/metrics"
)

// ReductionScheduler folds the registry's active batches into fewer, larger ones
// while more are outstanding than the final merge may open.
type ReductionScheduler struct {
	opts   Options
	logger *slog.Logger
	pool   errgroup.Group

	running  atomic.Bool
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	submitted atomic.Int64
}

// NewReductionScheduler creates a scheduler. It does nothing until Run.
func NewReductionScheduler(opts Options) *ReductionScheduler {
	opts = opts.withDefaults()
	s := &ReductionScheduler{
		opts:   opts,
		logger: opts.Logger.With("component", "reduction_scheduler"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.pool.SetLimit(opts.ParallelThreads)
	s.running.Store(true)
	return s
}

// Run polls the registry until Shutdown or context cancellation, then waits for
// the submitted group merges to finish.
func (s *ReductionScheduler) Run(ctx context.Context) error {
	s.started.Store(true)
	defer close(s.done)
	defer s.pool.Wait()

	for s.running.Load() {
		if s.opts.Registry.ReadyToReduce() {
			s.reduce(ctx)
			continue
		}
		if err := sleep(ctx, s.opts.ReducePollInterval, s.stop); err != nil {
			s.logger.Debug("reduction scheduler interrupted", "error", err)
			return err
		}
	}
	return nil
}

// reduce claims the active batches and submits one group merge per group.
func (s *ReductionScheduler) reduce(ctx context.Context) {
	claimed := s.opts.Registry.ClaimForReduction()
	if len(claimed) == 0 {
		return
	}
	groups := partition(claimed, s.opts.GroupSize)
	metrics.ReductionRounds.Inc()
	s.logger.Info("reduction round", "batches", len(claimed), "groups", len(groups),
		"queued_output", s.opts.Registry.OutputQueueSize())

	for _, group := range groups {
		s.opts.Registry.IncrementReductionCount()
		s.submitted.Add(1)
		task := NewGroupMerge(s.opts, group)
		s.pool.Go(func() error {
			// A failed group is already logged and released; other groups go on.
			_ = task.Run(ctx)
			return nil
		})
	}
}

// Submitted returns the number of group merges submitted so far.
func (s *ReductionScheduler) Submitted() int64 {
	return s.submitted.Load()
}

// Shutdown stops the polling loop and waits for in-flight group merges.
func (s *ReductionScheduler) Shutdown() {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

// partition splits batches into consecutive groups of at most size.
func partition(batches []batch.Info, size int) [][]batch.Info {
	groups := make([][]batch.Info, 0, (len(batches)+size-1)/size)
	for start := 0; start < len(batches); start += size {
		end := min(start+size, len(batches))
		groups = append(groups, batches[start:end])
	}
	return groups
}
