package connectors

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/batchmerge/pkg/operator"
)

// Console prints the result stream to stdout. Chunks with a parsed record are
// printed as formatted tables, plain chunks line by line.
type Console struct {
	maxRows int
	writer  io.Writer
	count   int64
}

// NewConsole creates a Console sink. maxRows limits the rows printed per chunk;
// zero prints everything.
func NewConsole(maxRows int) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) { c.writer = w }

func (c *Console) Open(_ *operator.Context) error { return nil }

func (c *Console) WriteChunk(chunk operator.Chunk) error {
	if chunk.Header {
		// Tables carry their own header.
		if chunk.Record == nil {
			for _, l := range chunk.Lines {
				fmt.Fprintln(c.writer, l)
			}
		}
		return nil
	}
	if chunk.Record != nil {
		c.writeTable(chunk.Record)
	} else {
		c.writeLines(chunk.Lines)
	}
	c.count += int64(chunk.Len())
	return nil
}

// Count returns the number of rows received.
func (c *Console) Count() int64 { return c.count }

func (c *Console) Close() error { return nil }

func (c *Console) shown(total int) int {
	if c.maxRows > 0 && total > c.maxRows {
		return c.maxRows
	}
	return total
}

func (c *Console) writeLines(lines []string) {
	n := c.shown(len(lines))
	for _, l := range lines[:n] {
		fmt.Fprintln(c.writer, l)
	}
	if len(lines) > n {
		fmt.Fprintf(c.writer, "... (%d more rows)\n", len(lines)-n)
	}
}

func (c *Console) writeTable(rec arrow.Record) {
	schema := rec.Schema()
	numCols := schema.NumFields()
	numRows := c.shown(int(rec.NumRows()))

	widths := make([]int, numCols)
	for i := 0; i < numCols; i++ {
		widths[i] = len(schema.Field(i).Name)
	}
	for row := 0; row < numRows; row++ {
		for col := 0; col < numCols; col++ {
			widths[col] = max(widths[col], len(formatValue(rec.Column(col), row)))
		}
	}

	names := make([]string, numCols)
	for i := range names {
		names[i] = schema.Field(i).Name
	}
	c.printRow(names, widths)
	c.printSeparator(widths)

	cells := make([]string, numCols)
	for row := 0; row < numRows; row++ {
		for col := 0; col < numCols; col++ {
			cells[col] = formatValue(rec.Column(col), row)
		}
		c.printRow(cells, widths)
	}

	if int(rec.NumRows()) > numRows {
		fmt.Fprintf(c.writer, "... (%d more rows)\n", int(rec.NumRows())-numRows)
	}
	fmt.Fprintln(c.writer)
}

func (c *Console) printRow(cells []string, widths []int) {
	var sb strings.Builder
	sb.WriteString("| ")
	for i, cell := range cells {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(padRight(cell, widths[i]))
	}
	sb.WriteString(" |")
	fmt.Fprintln(c.writer, sb.String())
}

func (c *Console) printSeparator(widths []int) {
	var sb strings.Builder
	sb.WriteString("|-")
	for i, w := range widths {
		if i > 0 {
			sb.WriteString("-|-")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteString("-|")
	fmt.Fprintln(c.writer, sb.String())
}

func formatValue(arr arrow.Array, row int) string {
	if arr.IsNull(row) {
		return "NULL"
	}
	switch a := arr.(type) {
	case *array.Int64:
		return fmt.Sprintf("%d", a.Value(row))
	case *array.Int32:
		return fmt.Sprintf("%d", a.Value(row))
	case *array.Float64:
		return fmt.Sprintf("%.4f", a.Value(row))
	case *array.String:
		return a.Value(row)
	case *array.Boolean:
		if a.Value(row) {
			return "true"
		}
		return "false"
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(row).ToTime(unit).Format("2006-01-02T15:04:05.000")
	default:
		return arr.ValueStr(row)
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
