// Package expr compiles SQL boolean conditions into predicates evaluated against
// Arrow records. Conditions are parsed once with TiDB's SQL parser, column names
// are resolved against a fixed schema, and evaluation dispatches to Arrow compute
// kernels where available.
package expr

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Predicate is a compiled condition bound to one schema.
type Predicate struct {
	sql     string
	schema  *arrow.Schema
	alloc   memory.Allocator
	root    node
	columns []string
}

// Compile parses a condition such as "channel_id IN ('A-0001', 'A-0002') AND dn > 10"
// and resolves its column references against schema.
func Compile(sql string, schema *arrow.Schema, alloc memory.Allocator) (*Predicate, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("empty condition")
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	stmt, err := parser.New().ParseOneStmt("SELECT "+sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse condition %q: %w", sql, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 {
		return nil, fmt.Errorf("parse condition %q: expected a single expression", sql)
	}

	c := &compiler{schema: schema, seen: make(map[string]bool)}
	root, err := c.build(sel.Fields.Fields[0].Expr)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", sql, err)
	}
	return &Predicate{sql: sql, schema: schema, alloc: alloc, root: root, columns: c.columns}, nil
}

// String returns the source condition.
func (p *Predicate) String() string { return p.sql }

// Columns returns the columns the condition reads, in first-use order.
func (p *Predicate) Columns() []string { return p.columns }

// Mask evaluates the condition for every row of rec. Null results count as
// false when the mask is used to filter. The caller must release the mask.
func (p *Predicate) Mask(ctx context.Context, rec arrow.Record) (*array.Boolean, error) {
	if !rec.Schema().Equal(p.schema) {
		return nil, fmt.Errorf("condition %q: record schema does not match", p.sql)
	}
	s := &state{alloc: p.alloc, rec: rec, rows: int(rec.NumRows())}
	out, err := p.root.eval(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", p.sql, err)
	}
	mask, ok := out.(*array.Boolean)
	if !ok {
		out.Release()
		return nil, fmt.Errorf("condition %q produced %s, not a boolean", p.sql, out.DataType())
	}
	return mask, nil
}

// ── Compilation ─────────────────────────────────────────────────────

type compiler struct {
	schema  *arrow.Schema
	columns []string
	seen    map[string]bool
}

var binaryKernels = map[opcode.Op]string{
	opcode.EQ:       "equal",
	opcode.NE:       "not_equal",
	opcode.GT:       "greater",
	opcode.LT:       "less",
	opcode.GE:       "greater_equal",
	opcode.LE:       "less_equal",
	opcode.Plus:     "add",
	opcode.Minus:    "subtract",
	opcode.Mul:      "multiply",
	opcode.Div:      "divide",
	opcode.LogicAnd: "and",
	opcode.LogicOr:  "or",
}

func (c *compiler) build(e ast.ExprNode) (node, error) {
	switch e := e.(type) {
	case *ast.ColumnNameExpr:
		return c.column(e.Name.Name.O)
	case *test_driver.ValueExpr:
		return buildLiteral(e)
	case *ast.ParenthesesExpr:
		return c.build(e.Expr)
	case *ast.BinaryOperationExpr:
		kernel, ok := binaryKernels[e.Op]
		if !ok {
			return nil, fmt.Errorf("unsupported operator %v", e.Op)
		}
		l, r, err := c.pair(e.L, e.R)
		if err != nil {
			return nil, err
		}
		return &binary{kernel: kernel, l: l, r: r}, nil
	case *ast.UnaryOperationExpr:
		inner, err := c.build(e.V)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case opcode.Not, opcode.Not2:
			return &not{inner: inner}, nil
		case opcode.Minus:
			return &negate{inner: inner}, nil
		}
		return nil, fmt.Errorf("unsupported unary operator %v", e.Op)
	case *ast.IsNullExpr:
		inner, err := c.build(e.Expr)
		if err != nil {
			return nil, err
		}
		return &isNull{inner: inner, not: e.Not}, nil
	case *ast.BetweenExpr:
		inner, err := c.build(e.Expr)
		if err != nil {
			return nil, err
		}
		lo, hi, err := c.pair(e.Left, e.Right)
		if err != nil {
			return nil, err
		}
		return &between{inner: inner, lo: lo, hi: hi, not: e.Not}, nil
	case *ast.PatternInExpr:
		if e.Sel != nil {
			return nil, fmt.Errorf("IN subqueries are not supported")
		}
		inner, err := c.build(e.Expr)
		if err != nil {
			return nil, err
		}
		list := make([]node, 0, len(e.List))
		for _, item := range e.List {
			n, err := c.build(item)
			if err != nil {
				return nil, err
			}
			list = append(list, n)
		}
		return &inList{inner: inner, list: list, not: e.Not}, nil
	case *ast.PatternLikeOrIlikeExpr:
		return c.like(e)
	case *ast.FuncCallExpr:
		return c.call(e)
	default:
		return nil, fmt.Errorf("unsupported expression %T", e)
	}
}

func (c *compiler) pair(l, r ast.ExprNode) (node, node, error) {
	ln, err := c.build(l)
	if err != nil {
		return nil, nil, err
	}
	rn, err := c.build(r)
	if err != nil {
		return nil, nil, err
	}
	return ln, rn, nil
}

func (c *compiler) column(name string) (node, error) {
	idx := c.schema.FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("column %q not found in schema", name)
	}
	if !c.seen[name] {
		c.seen[name] = true
		c.columns = append(c.columns, name)
	}
	return &colRef{idx: idx[0]}, nil
}

func buildLiteral(v *test_driver.ValueExpr) (node, error) {
	d := v.Datum
	switch d.Kind() {
	case test_driver.KindInt64:
		return &literal{typ: arrow.PrimitiveTypes.Int64, i: d.GetInt64()}, nil
	case test_driver.KindUint64:
		return &literal{typ: arrow.PrimitiveTypes.Int64, i: int64(d.GetUint64())}, nil
	case test_driver.KindFloat64:
		return &literal{typ: arrow.PrimitiveTypes.Float64, f: d.GetFloat64()}, nil
	case test_driver.KindFloat32:
		return &literal{typ: arrow.PrimitiveTypes.Float64, f: float64(d.GetFloat32())}, nil
	case test_driver.KindMysqlDecimal:
		f, err := d.GetMysqlDecimal().ToFloat64()
		if err != nil {
			return nil, fmt.Errorf("decimal literal: %w", err)
		}
		return &literal{typ: arrow.PrimitiveTypes.Float64, f: f}, nil
	case test_driver.KindString:
		return &literal{typ: arrow.BinaryTypes.String, s: d.GetString()}, nil
	case test_driver.KindNull:
		return &literal{typ: arrow.PrimitiveTypes.Int64, null: true}, nil
	default:
		return nil, fmt.Errorf("unsupported literal kind %v", d.Kind())
	}
}

func (c *compiler) like(e *ast.PatternLikeOrIlikeExpr) (node, error) {
	inner, err := c.build(e.Expr)
	if err != nil {
		return nil, err
	}
	pv, ok := e.Pattern.(*test_driver.ValueExpr)
	if !ok || pv.Datum.Kind() != test_driver.KindString {
		return nil, fmt.Errorf("LIKE pattern must be a string literal")
	}
	re, err := likeToRegexp(pv.Datum.GetString(), e.Escape, !e.IsLike)
	if err != nil {
		return nil, err
	}
	return &like{inner: inner, re: re, not: e.Not}, nil
}

// likeToRegexp translates a SQL LIKE pattern. ILIKE matches case-insensitively.
func likeToRegexp(pattern string, escape byte, fold bool) (*regexp.Regexp, error) {
	if escape == 0 {
		escape = '\\'
	}
	var sb strings.Builder
	if fold {
		sb.WriteString("(?i)")
	}
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch {
		case ch == escape && i+1 < len(pattern):
			i++
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
		case ch == '%':
			sb.WriteString("(?s:.*)")
		case ch == '_':
			sb.WriteString("(?s:.)")
		default:
			sb.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("LIKE pattern %q: %w", pattern, err)
	}
	return re, nil
}

func (c *compiler) call(e *ast.FuncCallExpr) (node, error) {
	name := e.FnName.L
	def, ok := functions[name]
	if !ok {
		return nil, fmt.Errorf("unsupported function %s", e.FnName.O)
	}
	if len(e.Args) < def.minArgs || (def.maxArgs > 0 && len(e.Args) > def.maxArgs) {
		return nil, fmt.Errorf("%s: wrong number of arguments (%d)", strings.ToUpper(name), len(e.Args))
	}
	args := make([]node, 0, len(e.Args))
	for _, a := range e.Args {
		n, err := c.build(a)
		if err != nil {
			return nil, err
		}
		args = append(args, n)
	}
	return &call{name: name, args: args, fn: def.fn}, nil
}
