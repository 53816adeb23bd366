//go:build duckdb

package duckdb

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// microBatch collects records until enough rows are buffered for one insert.
type microBatch struct {
	buffer []arrow.Record
	rows   int64
}

// add retains rec.
func (m *microBatch) add(rec arrow.Record) {
	rec.Retain()
	m.buffer = append(m.buffer, rec)
	m.rows += rec.NumRows()
}

// take returns the buffered rows as one record and empties the buffer. The
// caller releases the result. It returns nil when nothing is buffered.
func (m *microBatch) take(alloc memory.Allocator) (arrow.Record, error) {
	buf := m.buffer
	m.buffer, m.rows = nil, 0
	switch len(buf) {
	case 0:
		return nil, nil
	case 1:
		return buf[0], nil
	}
	combined, err := concatenateRecords(alloc, buf)
	releaseAll(buf)
	if err != nil {
		return nil, fmt.Errorf("micro-batch: concatenate: %w", err)
	}
	return combined, nil
}

func (m *microBatch) release() {
	releaseAll(m.buffer)
	m.buffer, m.rows = nil, 0
}

// concatenateRecords merges records sharing one schema into a single record.
func concatenateRecords(alloc memory.Allocator, records []arrow.Record) (arrow.Record, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to concatenate")
	}
	schema := records[0].Schema()
	numCols := int(records[0].NumCols())

	var totalRows int64
	for _, r := range records {
		if !r.Schema().Equal(schema) {
			return nil, fmt.Errorf("schema mismatch: %s vs %s", r.Schema(), schema)
		}
		totalRows += r.NumRows()
	}

	cols := make([]arrow.Array, numCols)
	defer func() { releaseArrays(cols) }()
	for col := 0; col < numCols; col++ {
		parts := make([]arrow.Array, len(records))
		for i, r := range records {
			parts[i] = r.Column(col)
		}
		arr, err := array.Concatenate(parts, alloc)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", schema.Field(col).Name, err)
		}
		cols[col] = arr
	}
	return array.NewRecord(schema, cols, totalRows), nil
}

func releaseAll(records []arrow.Record) {
	for _, r := range records {
		r.Release()
	}
}

func releaseArrays(arrs []arrow.Array) {
	for _, a := range arrs {
		if a != nil {
			a.Release()
		}
	}
}
