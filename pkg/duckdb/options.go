// Package duckdb loads the merged result stream into a DuckDB table. The
// implementation needs the "duckdb" build tag; without it every entry point
// returns ErrDuckDBNotAvailable.
package duckdb

import (
	"errors"
	"strings"
)

// ErrDuckDBNotAvailable is returned when DuckDB functions are called
// without the duckdb build tag.
var ErrDuckDBNotAvailable = errors.New("DuckDB sink requires building with -tags duckdb")

// ErrNoColumns is returned for chunks that were not parsed into records.
var ErrNoColumns = errors.New("duckdb sink: output rows need filter.columns to be loaded into a table")

const (
	defaultTable     = "results"
	defaultFlushRows = 100_000
)

// SinkOptions configures a Sink.
type SinkOptions struct {
	// Path of the database file. Empty means an in-memory database.
	Path string

	// Table receives the rows; it is created from the first chunk's schema.
	Table string

	// MemoryLimit in bytes; zero uses 256MB.
	MemoryLimit int64

	// FlushRows is the number of buffered rows that triggers an insert.
	FlushRows int64
}

func (o SinkOptions) withDefaults() SinkOptions {
	if o.Table == "" {
		o.Table = defaultTable
	}
	if o.FlushRows <= 0 {
		o.FlushRows = defaultFlushRows
	}
	return o
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
