package operator

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Metrics tracks basic per-component counters.
type Metrics struct {
	ChunksProcessed atomic.Int64
	RowsProcessed   atomic.Int64
	Errors          atomic.Int64
}

// Context provides the execution environment for a source or sink.
type Context struct {
	// Go context for cancellation and shutdown.
	Ctx context.Context

	// Logger scoped to this component and query.
	Logger *slog.Logger

	// Metrics for this component instance.
	Metrics *Metrics

	// Alloc is the Arrow memory allocator for records built from output rows.
	Alloc memory.Allocator

	// QueryID identifies the query run.
	QueryID string

	// Name is the component name, e.g. "console" or "generator".
	Name string
}

// NewContext creates a component context with defaults.
func NewContext(ctx context.Context, alloc memory.Allocator, queryID, name string) *Context {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &Context{
		Ctx:     ctx,
		Logger:  slog.Default().With("query", queryID, "component", name),
		Metrics: &Metrics{},
		Alloc:   alloc,
		QueryID: queryID,
		Name:    name,
	}
}

// Done returns the context's Done channel for shutdown signaling.
func (c *Context) Done() <-chan struct{} {
	return c.Ctx.Done()
}
