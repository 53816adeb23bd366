//go:build !duckdb

package duckdb

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/batchmerge/pkg/operator"
)

// Instance is a stub for DuckDB instance management.
type Instance struct{}

// NewInstance returns an error when DuckDB is not compiled in.
func NewInstance(_ memory.Allocator, _ string, _ int64) (*Instance, error) {
	return nil, ErrDuckDBNotAvailable
}

// Close is a no-op stub.
func (i *Instance) Close() error { return nil }

// RegisterView is a stub.
func (i *Instance) RegisterView(_ arrow.Record, _ string) error {
	return ErrDuckDBNotAvailable
}

// Sink is a stub for the DuckDB sink.
type Sink struct {
	opts SinkOptions
}

// NewSink returns a sink whose Open always fails.
func NewSink(opts SinkOptions) *Sink {
	return &Sink{opts: opts.withDefaults()}
}

func (s *Sink) Open(_ *operator.Context) error {
	return fmt.Errorf("duckdb sink %s: %w", quoteIdent(s.opts.Table), ErrDuckDBNotAvailable)
}

func (s *Sink) WriteChunk(_ operator.Chunk) error { return ErrDuckDBNotAvailable }
func (s *Sink) Close() error                      { return nil }

// Rows is always zero for the stub.
func (s *Sink) Rows() int64 { return 0 }
