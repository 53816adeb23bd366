package helpers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ColumnSpec names one CSV column and its type.
type ColumnSpec struct {
	Name string
	Type string
}

// ParseType maps a type name to an Arrow type.
func ParseType(name string) (arrow.DataType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "string", "text", "varchar":
		return arrow.BinaryTypes.String, nil
	case "int", "int64", "bigint":
		return arrow.PrimitiveTypes.Int64, nil
	case "int32", "integer":
		return arrow.PrimitiveTypes.Int32, nil
	case "float", "float64", "double":
		return arrow.PrimitiveTypes.Float64, nil
	case "bool", "boolean":
		return arrow.FixedWidthTypes.Boolean, nil
	case "timestamp", "timestamp_ms":
		return arrow.FixedWidthTypes.Timestamp_ms, nil
	default:
		return nil, fmt.Errorf("unsupported column type %q", name)
	}
}

// SchemaFromSpecs builds a nullable schema from column specs.
func SchemaFromSpecs(specs []ColumnSpec) (*arrow.Schema, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no columns")
	}
	fields := make([]arrow.Field, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("column %d: empty name", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("column %q declared twice", s.Name)
		}
		seen[s.Name] = true
		dt, err := ParseType(s.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", s.Name, err)
		}
		fields[i] = arrow.Field{Name: s.Name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// RecordFromCSV parses one CSV row per line into a record of the given schema.
// Row i of the record always comes from lines[i]. Missing trailing fields,
// empty lines and empty non-string fields are null. The caller releases the
// record.
func RecordFromCSV(alloc memory.Allocator, schema *arrow.Schema, lines []string) (arrow.Record, error) {
	bldr := array.NewRecordBuilder(alloc, schema)
	defer bldr.Release()

	for row, line := range lines {
		fields, err := splitCSV(line)
		if err != nil {
			return nil, fmt.Errorf("parse row %d: %w", row, err)
		}
		for col := 0; col < schema.NumFields(); col++ {
			var raw string
			present := col < len(fields)
			if present {
				raw = fields[col]
			}
			if err := appendField(bldr.Field(col), raw, present); err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", row, schema.Field(col).Name, err)
			}
		}
	}
	return bldr.NewRecord(), nil
}

func splitCSV(line string) ([]string, error) {
	if line == "" {
		return nil, nil
	}
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	fields, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return fields, err
}

func appendField(b array.Builder, raw string, present bool) error {
	if sb, ok := b.(*array.StringBuilder); ok {
		if !present {
			sb.AppendNull()
		} else {
			sb.Append(raw)
		}
		return nil
	}
	raw = strings.TrimSpace(raw)
	if !present || raw == "" {
		b.AppendNull()
		return nil
	}
	switch b := b.(type) {
	case *array.Int64Builder:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		b.Append(v)
	case *array.Int32Builder:
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return err
		}
		b.Append(int32(v))
	case *array.Float64Builder:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		b.Append(v)
	case *array.BooleanBuilder:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		b.Append(v)
	case *array.TimestampBuilder:
		t, err := parseTime(raw)
		if err != nil {
			return err
		}
		b.Append(arrow.Timestamp(t.UnixMilli()))
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-002T15:04:05.000",
}

func parseTime(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}
