package expr

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"
)

func extractArray(d compute.Datum) (arrow.Array, error) {
	defer d.Release()
	if v, ok := d.(*compute.ArrayDatum); ok {
		return v.MakeArray(), nil
	}
	return nil, fmt.Errorf("unexpected datum type %T", d)
}

func invertBool(alloc memory.Allocator, arr *array.Boolean) arrow.Array {
	bldr := array.NewBooleanBuilder(alloc)
	defer bldr.Release()
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
		} else {
			bldr.Append(!arr.Value(i))
		}
	}
	return bldr.NewArray()
}

func makeConstantInt64(alloc memory.Allocator, v int64, n int) arrow.Array {
	arr, _ := scalar.MakeArrayFromScalar(scalar.NewInt64Scalar(v), n, alloc)
	return arr
}

func makeConstantFloat64(alloc memory.Allocator, v float64, n int) arrow.Array {
	arr, _ := scalar.MakeArrayFromScalar(scalar.NewFloat64Scalar(v), n, alloc)
	return arr
}

func makeConstantString(alloc memory.Allocator, v string, n int) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	bldr.Reserve(n)
	for i := 0; i < n; i++ {
		bldr.Append(v)
	}
	return bldr.NewArray()
}

func makeNullArray(alloc memory.Allocator, dt arrow.DataType, n int) arrow.Array {
	bldr := array.NewBuilder(alloc, dt)
	defer bldr.Release()
	bldr.AppendNulls(n)
	return bldr.NewArray()
}

func appendValue(bldr array.Builder, src arrow.Array, row int) {
	if src.IsNull(row) {
		bldr.AppendNull()
		return
	}
	switch b := bldr.(type) {
	case *array.Int64Builder:
		b.Append(intValue(src, row))
	case *array.Float64Builder:
		b.Append(floatValue(src, row))
	case *array.StringBuilder:
		b.Append(stringValue(src, row))
	case *array.BooleanBuilder:
		if a, ok := src.(*array.Boolean); ok {
			b.Append(a.Value(row))
		} else {
			b.AppendNull()
		}
	default:
		bldr.AppendNull()
	}
}

func stringValue(arr arrow.Array, row int) string {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(row)
	case *array.Int64:
		return strconv.FormatInt(a.Value(row), 10)
	case *array.Int32:
		return strconv.FormatInt(int64(a.Value(row)), 10)
	case *array.Float64:
		return strconv.FormatFloat(a.Value(row), 'f', -1, 64)
	case *array.Boolean:
		return strconv.FormatBool(a.Value(row))
	default:
		return arr.ValueStr(row)
	}
}

func intValue(arr arrow.Array, row int) int64 {
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(row)
	case *array.Int32:
		return int64(a.Value(row))
	case *array.Int16:
		return int64(a.Value(row))
	case *array.Int8:
		return int64(a.Value(row))
	case *array.Float64:
		return int64(a.Value(row))
	case *array.Float32:
		return int64(a.Value(row))
	default:
		return 0
	}
}

func floatValue(arr arrow.Array, row int) float64 {
	switch a := arr.(type) {
	case *array.Float64:
		return a.Value(row)
	case *array.Float32:
		return float64(a.Value(row))
	default:
		return float64(intValue(arr, row))
	}
}
