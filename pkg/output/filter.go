package output

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	helpers "github.com/sandboxws/batchmerge/pkg/arrow/helpers"
	"github.com/sandboxws/batchmerge/pkg/expr"
	"github.com/sandboxws/batchmerge/pkg/operator"
)

// Filter decides which rows of a parsed chunk stay in the stream. Filters see
// chunks in stream order and may keep state across them.
type Filter interface {
	Name() string

	// Keep returns a mask with one entry per row of chunk.Record. Null entries
	// drop the row. The caller releases the mask.
	Keep(ctx context.Context, chunk operator.Chunk) (*array.Boolean, error)
}

// Where keeps rows matching a SQL condition.
type Where struct {
	pred *expr.Predicate
}

// NewWhere compiles condition against schema.
func NewWhere(condition string, schema *arrow.Schema, alloc memory.Allocator) (*Where, error) {
	pred, err := expr.Compile(condition, schema, alloc)
	if err != nil {
		return nil, err
	}
	return &Where{pred: pred}, nil
}

func (w *Where) Name() string { return "where" }

func (w *Where) Keep(ctx context.Context, chunk operator.Chunk) (*array.Boolean, error) {
	return w.pred.Mask(ctx, chunk.Record)
}

// ChangesOnly keeps a row only when its value differs from the previous row
// with the same key. The first row of every key is kept.
type ChangesOnly struct {
	keyColumn   string
	valueColumn string
	alloc       memory.Allocator
	last        map[string]string
}

// NewChangesOnly creates the filter. Both columns must exist in the output schema.
func NewChangesOnly(keyColumn, valueColumn string, schema *arrow.Schema, alloc memory.Allocator) (*ChangesOnly, error) {
	for _, name := range []string{keyColumn, valueColumn} {
		if len(schema.FieldIndices(name)) == 0 {
			return nil, fmt.Errorf("changes-only filter: column %q not in output columns", name)
		}
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &ChangesOnly{
		keyColumn:   keyColumn,
		valueColumn: valueColumn,
		alloc:       alloc,
		last:        make(map[string]string),
	}, nil
}

func (c *ChangesOnly) Name() string { return "changes_only" }

func (c *ChangesOnly) Keep(_ context.Context, chunk operator.Chunk) (*array.Boolean, error) {
	keys, err := helpers.Column(chunk.Record, c.keyColumn)
	if err != nil {
		return nil, err
	}
	values, err := helpers.Column(chunk.Record, c.valueColumn)
	if err != nil {
		return nil, err
	}

	bldr := array.NewBooleanBuilder(c.alloc)
	defer bldr.Release()
	n := int(chunk.Record.NumRows())
	bldr.Reserve(n)
	for i := 0; i < n; i++ {
		key := cellString(keys, i)
		value := cellString(values, i)
		prev, seen := c.last[key]
		if seen && prev == value {
			bldr.UnsafeAppend(false)
			continue
		}
		c.last[key] = value
		bldr.UnsafeAppend(true)
	}
	return bldr.NewBooleanArray(), nil
}

// cellString renders a cell for comparison. Null is distinct from every value.
func cellString(arr arrow.Array, row int) string {
	if arr.IsNull(row) {
		return "\x00null"
	}
	return arr.ValueStr(row)
}
