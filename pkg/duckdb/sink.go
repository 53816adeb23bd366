//go:build duckdb

package duckdb

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/multierr"

	"github.com/sandboxws/batchmerge/pkg/operator"
)

const chunkView = "chunk"

// Sink appends parsed output chunks to a DuckDB table through a zero-copy
// Arrow view.
type Sink struct {
	opts SinkOptions

	inst    *Instance
	alloc   memory.Allocator
	ctx     context.Context
	buf     microBatch
	created bool
	rows    int64
}

// NewSink creates a DuckDB sink.
func NewSink(opts SinkOptions) *Sink {
	return &Sink{opts: opts.withDefaults()}
}

func (s *Sink) Open(ctx *operator.Context) error {
	inst, err := NewInstance(ctx.Alloc, s.opts.Path, s.opts.MemoryLimit)
	if err != nil {
		return err
	}
	s.inst = inst
	s.alloc = ctx.Alloc
	s.ctx = ctx.Ctx
	return nil
}

func (s *Sink) WriteChunk(chunk operator.Chunk) error {
	if chunk.Header {
		return nil
	}
	if chunk.Record == nil {
		return ErrNoColumns
	}
	s.buf.add(chunk.Record)
	if s.buf.rows >= s.opts.FlushRows {
		return s.flush(s.ctx)
	}
	return nil
}

func (s *Sink) flush(ctx context.Context) error {
	rec, err := s.buf.take(s.alloc)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()

	if err := s.inst.RegisterView(rec, chunkView); err != nil {
		return err
	}
	table := quoteIdent(s.opts.Table)
	if !s.created {
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM %s LIMIT 0", table, chunkView)
		if err := s.inst.Exec(ctx, stmt); err != nil {
			return err
		}
		s.created = true
	}
	if err := s.inst.Exec(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", table, chunkView)); err != nil {
		return err
	}
	s.rows += rec.NumRows()
	return nil
}

// Rows returns the number of rows inserted so far.
func (s *Sink) Rows() int64 { return s.rows }

// Count queries the number of rows in the target table.
func (s *Sink) Count(ctx context.Context) (int64, error) {
	rec, err := s.inst.Query(ctx, "SELECT count(*) FROM "+quoteIdent(s.opts.Table))
	if err != nil {
		return 0, err
	}
	defer rec.Release()
	if rec.NumRows() != 1 {
		return 0, fmt.Errorf("duckdb: count returned %d rows", rec.NumRows())
	}
	return rec.Column(0).(*array.Int64).Value(0), nil
}

// Close inserts what is still buffered and closes the database.
func (s *Sink) Close() error {
	if s.inst == nil {
		s.buf.release()
		return nil
	}
	// The run context may already be cancelled; the last insert still completes.
	err := s.flush(context.Background())
	s.buf.release()
	err = multierr.Append(err, s.inst.Close())
	s.inst = nil
	return err
}
