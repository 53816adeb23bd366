// Package helpers provides convenience functions for moving output rows in and
// out of Arrow records.
package helpers

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
)

// Column returns the named column from a record, or an error if not found.
func Column(rec arrow.Record, name string) (arrow.Array, error) {
	idx := ColumnIndex(rec, name)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found in schema", name)
	}
	return rec.Column(idx), nil
}

// ColumnIndex returns the index of a named column, or -1 if not found.
func ColumnIndex(rec arrow.Record, name string) int {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// Filter applies a boolean mask to a record, returning only rows where the mask
// is true. Null mask entries drop the row. The caller releases the result.
func Filter(ctx context.Context, rec arrow.Record, mask arrow.Array) (arrow.Record, error) {
	result, err := compute.FilterRecordBatch(ctx, rec, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return result, nil
}

// FilterLines keeps the lines whose mask entry is true, mirroring Filter for
// the source lines of a record.
func FilterLines(lines []string, mask *array.Boolean) []string {
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if mask.IsValid(i) && mask.Value(i) {
			out = append(out, line)
		}
	}
	return out
}

// ColumnNames returns the list of column names in a record's schema.
func ColumnNames(rec arrow.Record) []string {
	schema := rec.Schema()
	names := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		names[i] = schema.Field(i).Name
	}
	return names
}

// RowValues returns row i of rec as plain Go values keyed by column name. Nulls
// map to nil.
func RowValues(rec arrow.Record, row int) map[string]any {
	schema := rec.Schema()
	out := make(map[string]any, schema.NumFields())
	for col := 0; col < schema.NumFields(); col++ {
		out[schema.Field(col).Name] = Value(rec.Column(col), row)
	}
	return out
}

// Value returns one array element as a plain Go value.
func Value(arr arrow.Array, row int) any {
	if arr.IsNull(row) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(row)
	case *array.Int32:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.Float32:
		return a.Value(row)
	case *array.String:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(row).ToTime(unit)
	default:
		return arr.ValueStr(row)
	}
}
