package expr

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// coerceTypes brings two arrays to a common type before a kernel call. Integer
// widths widen to Int64 and any float operand widens both sides to Float64.
// Non-numeric pairs are returned unchanged. Both results must be released.
func coerceTypes(alloc memory.Allocator, left, right arrow.Array) (arrow.Array, arrow.Array, error) {
	lt, rt := left.DataType().ID(), right.DataType().ID()
	target, ok := commonNumeric(lt, rt)
	if lt == rt || !ok {
		left.Retain()
		right.Retain()
		return left, right, nil
	}

	cl, err := castArray(alloc, left, target)
	if err != nil {
		return nil, nil, fmt.Errorf("coerce left operand to %s: %w", target, err)
	}
	cr, err := castArray(alloc, right, target)
	if err != nil {
		cl.Release()
		return nil, nil, fmt.Errorf("coerce right operand to %s: %w", target, err)
	}
	return cl, cr, nil
}

func commonNumeric(a, b arrow.Type) (arrow.Type, bool) {
	ka, kb := numericKind(a), numericKind(b)
	if ka == 0 || kb == 0 {
		return arrow.NULL, false
	}
	if ka == kindFloat || kb == kindFloat {
		return arrow.FLOAT64, true
	}
	return arrow.INT64, true
}

const (
	kindInt = iota + 1
	kindFloat
)

func numericKind(t arrow.Type) int {
	switch t {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64:
		return kindInt
	case arrow.FLOAT32, arrow.FLOAT64:
		return kindFloat
	}
	return 0
}

func castArray(alloc memory.Allocator, arr arrow.Array, target arrow.Type) (arrow.Array, error) {
	if arr.DataType().ID() == target {
		arr.Retain()
		return arr, nil
	}
	var bldr array.Builder
	switch target {
	case arrow.INT64:
		b := array.NewInt64Builder(alloc)
		for i := 0; i < arr.Len(); i++ {
			if arr.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(intValue(arr, i))
			}
		}
		bldr = b
	case arrow.FLOAT64:
		b := array.NewFloat64Builder(alloc)
		for i := 0; i < arr.Len(); i++ {
			if arr.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(floatValue(arr, i))
			}
		}
		bldr = b
	default:
		return nil, fmt.Errorf("unsupported cast target %s", target)
	}
	defer bldr.Release()
	return bldr.NewArray(), nil
}
