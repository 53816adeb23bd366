// Package operator defines the contracts of the components around the merge
// engine: sources that produce batches and sinks that consume the result stream.
package operator

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/batchmerge/pkg/batch"
)

// Chunk is one unit of the result stream handed to a sink.
type Chunk struct {
	// Lines are the serialized rows, in stream order.
	Lines []string

	// Record holds the same rows parsed into columns when the query declares
	// an output schema, otherwise nil. Row i of Record is Lines[i].
	Record arrow.Record

	// Header marks template lines, the header ahead of any data or the
	// trailer after it. They bypass filters and are not counted as rows.
	Header bool
}

// Len returns the number of rows in the chunk.
func (c Chunk) Len() int { return len(c.Lines) }

// Registrar is the producer side of the batch registry.
type Registrar interface {
	// NewBatchID reserves the id of the next batch.
	NewBatchID() string
	// AddBatch registers a completed batch.
	AddBatch(info batch.Info) (batch.Info, error)
	// DiscardBatchID releases a reservation that produced no batch.
	DiscardBatchID(id string)
}

// Source produces batch files and registers them.
// The lifecycle is: Open -> Run -> Close.
type Source interface {
	// Open initializes the source.
	Open(ctx *Context) error

	// Run writes and registers batches until the source is exhausted or
	// ctx.Done() is signaled.
	Run(ctx *Context, reg Registrar) error

	// Close releases resources.
	Close() error
}

// Sink consumes the result stream.
// The lifecycle is: Open -> WriteChunk* -> Close.
type Sink interface {
	// Open initializes the sink.
	Open(ctx *Context) error

	// WriteChunk writes one chunk. The sink must not hold Record after
	// returning; Retain it if needed.
	WriteChunk(chunk Chunk) error

	// Close flushes and releases resources.
	Close() error
}
