package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func telemetrySchema(t *testing.T) *arrow.Schema {
	t.Helper()
	schema, err := SchemaFromSpecs([]ColumnSpec{
		{Name: "ert", Type: "timestamp"},
		{Name: "channel_id", Type: "string"},
		{Name: "dn", Type: "int"},
		{Name: "eu", Type: "double"},
		{Name: "alarm", Type: "bool"},
	})
	require.NoError(t, err)
	return schema
}

func TestSchemaFromSpecs(t *testing.T) {
	schema := telemetrySchema(t)
	assert.Equal(t, 5, schema.NumFields())
	assert.Equal(t, arrow.TIMESTAMP, schema.Field(0).Type.ID())
	assert.Equal(t, arrow.INT64, schema.Field(2).Type.ID())

	_, err := SchemaFromSpecs(nil)
	assert.Error(t, err)
	_, err = SchemaFromSpecs([]ColumnSpec{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)
	_, err = SchemaFromSpecs([]ColumnSpec{{Name: "a", Type: "uuid"}})
	assert.Error(t, err)
}

func TestRecordFromCSV(t *testing.T) {
	alloc := NewTestAllocator(t)
	lines := []string{
		`2024-01-02T03:04:05.000Z,A-0001,7,1.5,true`,
		`1704164645000,"A-0002, spare",,,false`,
		``,
		`2024-002T00:00:00.000,A-0003`,
	}
	rec, err := RecordFromCSV(alloc, telemetrySchema(t), lines)
	require.NoError(t, err)
	defer rec.Release()

	require.EqualValues(t, 4, rec.NumRows())

	row0 := RowValues(rec, 0)
	assert.Equal(t, "A-0001", row0["channel_id"])
	assert.Equal(t, int64(7), row0["dn"])
	assert.Equal(t, 1.5, row0["eu"])
	assert.Equal(t, true, row0["alarm"])
	assert.True(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Equal(row0["ert"].(time.Time)))

	row1 := RowValues(rec, 1)
	assert.Equal(t, "A-0002, spare", row1["channel_id"])
	assert.Nil(t, row1["dn"])
	assert.Nil(t, row1["eu"])

	assert.Nil(t, RowValues(rec, 2)["channel_id"], "empty line is all null")

	row3 := RowValues(rec, 3)
	assert.Equal(t, "A-0003", row3["channel_id"])
	assert.Nil(t, row3["alarm"], "missing trailing field")
	assert.True(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).Equal(row3["ert"].(time.Time)))
}

func TestRecordFromCSVBadValue(t *testing.T) {
	alloc := NewTestAllocator(t)
	_, err := RecordFromCSV(alloc, telemetrySchema(t), []string{"x,A,notanumber"})
	assert.ErrorContains(t, err, `column "ert"`)
}

func TestFilterKeepsLinesAligned(t *testing.T) {
	alloc := NewTestAllocator(t)
	lines := []string{"t,a,1", "t,b,2", "t,c,3"}
	schema, err := SchemaFromSpecs([]ColumnSpec{{Name: "x"}, {Name: "name"}, {Name: "n", Type: "int"}})
	require.NoError(t, err)
	rec, err := RecordFromCSV(alloc, schema, lines)
	require.NoError(t, err)
	defer rec.Release()

	mb := array.NewBooleanBuilder(alloc)
	mb.AppendValues([]bool{true, false, true}, []bool{true, true, true})
	mask := mb.NewBooleanArray()
	mb.Release()
	defer mask.Release()

	filtered, err := Filter(context.Background(), rec, mask)
	require.NoError(t, err)
	defer filtered.Release()

	assert.EqualValues(t, 2, filtered.NumRows())
	assert.Equal(t, []string{"t,a,1", "t,c,3"}, FilterLines(lines, mask))

	col, err := Column(filtered, "name")
	require.NoError(t, err)
	assert.Equal(t, "c", col.(*array.String).Value(1))
	assert.Equal(t, []string{"x", "name", "n"}, ColumnNames(filtered))
	assert.Equal(t, -1, ColumnIndex(filtered, "nope"))
}
