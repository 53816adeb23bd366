// Package merge turns the batches held by a registry into the query's result
// stream. Ordered queries are reduced in cascading group merges and finished by
// a single k-way final merge; unordered queries are forwarded batch by batch.
package merge

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/sandboxws/batchmerge/pkg/batch"
	"github.com/sandboxws/batchmerge/pkg/registry"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultGroupSize              = 4
	DefaultOutputChunkSize        = 500_000
	DefaultForwardPollInterval    = time.Second
	DefaultReducePollInterval     = 500 * time.Millisecond
	DefaultFinalMergePollInterval = 500 * time.Millisecond
)

// Task is a merge strategy. Run returns once every batch has been pushed to the
// output queue or the context is cancelled.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Options configures every merge task.
type Options struct {
	OrderBy  batch.OrderBy
	Registry registry.Registry

	// Readers and writers. Nil values fall back to the file implementations
	// resolving ids through Registry.
	Records batch.RecordReaderFactory
	Index   batch.IndexReaderFactory
	Writers batch.WriterFactory

	// KeepTempFiles leaves consumed batch files on disk.
	KeepTempFiles bool

	// GroupSize is the maximum number of batches one group merge opens.
	GroupSize int

	// ParallelThreads bounds the number of concurrent group merges.
	ParallelThreads int

	// OutputChunkSize is the maximum number of rows per output chunk.
	OutputChunkSize int

	ForwardPollInterval    time.Duration
	ReducePollInterval     time.Duration
	FinalMergePollInterval time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.GroupSize < 2 {
		o.GroupSize = DefaultGroupSize
	}
	if o.ParallelThreads <= 0 {
		o.ParallelThreads = runtime.NumCPU()
	}
	if o.OutputChunkSize <= 0 {
		o.OutputChunkSize = DefaultOutputChunkSize
	}
	if o.ForwardPollInterval <= 0 {
		o.ForwardPollInterval = DefaultForwardPollInterval
	}
	if o.ReducePollInterval <= 0 {
		o.ReducePollInterval = DefaultReducePollInterval
	}
	if o.FinalMergePollInterval <= 0 {
		o.FinalMergePollInterval = DefaultFinalMergePollInterval
	}
	if o.Records == nil || o.Index == nil {
		files := batch.NewFileReaders(o.Registry)
		if o.Records == nil {
			o.Records = files
		}
		if o.Index == nil {
			o.Index = files
		}
	}
	if o.Writers == nil {
		o.Writers = batch.FileWriters{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Select picks the merge strategy for the query's order-by type.
func Select(opts Options) Task {
	opts = opts.withDefaults()
	if !opts.OrderBy.Ordered() {
		return NewForwarder(opts)
	}
	return NewFinalMerge(opts, NewReductionScheduler(opts))
}

// sleep waits for d, returning early with the context's error or when stop is
// closed. A nil stop channel never fires.
func sleep(ctx context.Context, d time.Duration, stop <-chan struct{}) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return nil
	case <-t.C:
		return nil
	}
}

func batchIDs(infos []batch.Info) []string {
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids
}
