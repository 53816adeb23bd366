package expr

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// state is the per-call evaluation input.
type state struct {
	alloc memory.Allocator
	rec   arrow.Record
	rows  int
}

// node is one compiled expression. eval returns an array of s.rows values that
// the caller must release.
type node interface {
	eval(ctx context.Context, s *state) (arrow.Array, error)
}

type colRef struct {
	idx int
}

func (n *colRef) eval(_ context.Context, s *state) (arrow.Array, error) {
	arr := s.rec.Column(n.idx)
	arr.Retain()
	return arr, nil
}

type literal struct {
	typ  arrow.DataType
	i    int64
	f    float64
	s    string
	null bool
}

func (n *literal) eval(_ context.Context, s *state) (arrow.Array, error) {
	if n.null {
		return makeNullArray(s.alloc, n.typ, s.rows), nil
	}
	switch n.typ.ID() {
	case arrow.INT64:
		return makeConstantInt64(s.alloc, n.i, s.rows), nil
	case arrow.FLOAT64:
		return makeConstantFloat64(s.alloc, n.f, s.rows), nil
	default:
		return makeConstantString(s.alloc, n.s, s.rows), nil
	}
}

type binary struct {
	kernel string
	l, r   node
}

func (n *binary) eval(ctx context.Context, s *state) (arrow.Array, error) {
	left, err := n.l.eval(ctx, s)
	if err != nil {
		return nil, err
	}
	defer left.Release()
	right, err := n.r.eval(ctx, s)
	if err != nil {
		return nil, err
	}
	defer right.Release()
	return callKernel(ctx, s.alloc, n.kernel, left, right)
}

func callKernel(ctx context.Context, alloc memory.Allocator, kernel string, left, right arrow.Array) (arrow.Array, error) {
	cl, cr, err := coerceTypes(alloc, left, right)
	if err != nil {
		return nil, err
	}
	defer cl.Release()
	defer cr.Release()

	ctx = compute.WithAllocator(ctx, alloc)
	result, err := compute.CallFunction(ctx, kernel, nil,
		compute.NewDatumWithoutOwning(cl), compute.NewDatumWithoutOwning(cr))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kernel, err)
	}
	return extractArray(result)
}

type not struct {
	inner node
}

func (n *not) eval(ctx context.Context, s *state) (arrow.Array, error) {
	inner, err := n.inner.eval(ctx, s)
	if err != nil {
		return nil, err
	}
	defer inner.Release()
	b, ok := inner.(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("NOT requires a boolean, got %s", inner.DataType())
	}
	return invertBool(s.alloc, b), nil
}

type negate struct {
	inner node
}

func (n *negate) eval(ctx context.Context, s *state) (arrow.Array, error) {
	inner, err := n.inner.eval(ctx, s)
	if err != nil {
		return nil, err
	}
	defer inner.Release()
	result, err := compute.Negate(compute.WithAllocator(ctx, s.alloc), compute.ArithmeticOptions{},
		compute.NewDatumWithoutOwning(inner))
	if err != nil {
		return nil, fmt.Errorf("unary minus: %w", err)
	}
	return extractArray(result)
}

type isNull struct {
	inner node
	not   bool
}

func (n *isNull) eval(ctx context.Context, s *state) (arrow.Array, error) {
	inner, err := n.inner.eval(ctx, s)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	bldr := array.NewBooleanBuilder(s.alloc)
	defer bldr.Release()
	bldr.Reserve(inner.Len())
	for i := 0; i < inner.Len(); i++ {
		bldr.UnsafeAppend(inner.IsNull(i) != n.not)
	}
	return bldr.NewArray(), nil
}

type between struct {
	inner, lo, hi node
	not           bool
}

func (n *between) eval(ctx context.Context, s *state) (arrow.Array, error) {
	inner, err := n.inner.eval(ctx, s)
	if err != nil {
		return nil, err
	}
	defer inner.Release()
	lo, err := n.lo.eval(ctx, s)
	if err != nil {
		return nil, err
	}
	defer lo.Release()
	hi, err := n.hi.eval(ctx, s)
	if err != nil {
		return nil, err
	}
	defer hi.Release()

	ge, err := callKernel(ctx, s.alloc, "greater_equal", inner, lo)
	if err != nil {
		return nil, err
	}
	defer ge.Release()
	le, err := callKernel(ctx, s.alloc, "less_equal", inner, hi)
	if err != nil {
		return nil, err
	}
	defer le.Release()

	both, err := callKernel(ctx, s.alloc, "and", ge, le)
	if err != nil || !n.not {
		return both, err
	}
	defer both.Release()
	return invertBool(s.alloc, both.(*array.Boolean)), nil
}

type inList struct {
	inner node
	list  []node
	not   bool
}

func (n *inList) eval(ctx context.Context, s *state) (arrow.Array, error) {
	inner, err := n.inner.eval(ctx, s)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	var acc arrow.Array
	for _, item := range n.list {
		v, err := item.eval(ctx, s)
		if err != nil {
			releaseAll(acc)
			return nil, err
		}
		eq, err := callKernel(ctx, s.alloc, "equal", inner, v)
		v.Release()
		if err != nil {
			releaseAll(acc)
			return nil, err
		}
		if acc == nil {
			acc = eq
			continue
		}
		next, err := callKernel(ctx, s.alloc, "or", acc, eq)
		acc.Release()
		eq.Release()
		if err != nil {
			return nil, err
		}
		acc = next
	}
	if !n.not {
		return acc, nil
	}
	defer acc.Release()
	return invertBool(s.alloc, acc.(*array.Boolean)), nil
}

type like struct {
	inner node
	re    *regexp.Regexp
	not   bool
}

func (n *like) eval(ctx context.Context, s *state) (arrow.Array, error) {
	inner, err := n.inner.eval(ctx, s)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	bldr := array.NewBooleanBuilder(s.alloc)
	defer bldr.Release()
	for i := 0; i < inner.Len(); i++ {
		if inner.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(n.re.MatchString(stringValue(inner, i)) != n.not)
	}
	return bldr.NewArray(), nil
}

// ── Functions ───────────────────────────────────────────────────────

type funcSpec struct {
	minArgs, maxArgs int
	fn               func(s *state, args []arrow.Array) arrow.Array
}

var functions = map[string]funcSpec{
	"upper":     {1, 1, stringMap(strings.ToUpper)},
	"lower":     {1, 1, stringMap(strings.ToLower)},
	"trim":      {1, 1, stringMap(func(v string) string { return strings.TrimFunc(v, unicode.IsSpace) })},
	"length":    {1, 1, length},
	"concat":    {2, 0, concat},
	"coalesce":  {1, 0, coalesce},
	"substring": {2, 3, substring},
	"substr":    {2, 3, substring},
}

type call struct {
	name string
	args []node
	fn   func(s *state, args []arrow.Array) arrow.Array
}

func (n *call) eval(ctx context.Context, s *state) (arrow.Array, error) {
	args := make([]arrow.Array, 0, len(n.args))
	defer func() { releaseAll(args...) }()
	for _, a := range n.args {
		v, err := a.eval(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", strings.ToUpper(n.name), err)
		}
		args = append(args, v)
	}
	return n.fn(s, args), nil
}

func stringMap(fn func(string) string) func(*state, []arrow.Array) arrow.Array {
	return func(s *state, args []arrow.Array) arrow.Array {
		bldr := array.NewStringBuilder(s.alloc)
		defer bldr.Release()
		arg := args[0]
		for i := 0; i < arg.Len(); i++ {
			if arg.IsNull(i) {
				bldr.AppendNull()
				continue
			}
			bldr.Append(fn(stringValue(arg, i)))
		}
		return bldr.NewArray()
	}
}

func length(s *state, args []arrow.Array) arrow.Array {
	bldr := array.NewInt64Builder(s.alloc)
	defer bldr.Release()
	arg := args[0]
	for i := 0; i < arg.Len(); i++ {
		if arg.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(int64(utf8.RuneCountInString(stringValue(arg, i))))
	}
	return bldr.NewArray()
}

func concat(s *state, args []arrow.Array) arrow.Array {
	bldr := array.NewStringBuilder(s.alloc)
	defer bldr.Release()
	for row := 0; row < s.rows; row++ {
		var sb strings.Builder
		null := false
		for _, a := range args {
			if a.IsNull(row) {
				null = true
				break
			}
			sb.WriteString(stringValue(a, row))
		}
		if null {
			bldr.AppendNull()
		} else {
			bldr.Append(sb.String())
		}
	}
	return bldr.NewArray()
}

func coalesce(s *state, args []arrow.Array) arrow.Array {
	bldr := array.NewBuilder(s.alloc, args[0].DataType())
	defer bldr.Release()
	for row := 0; row < s.rows; row++ {
		found := false
		for _, a := range args {
			if !a.IsNull(row) {
				appendValue(bldr, a, row)
				found = true
				break
			}
		}
		if !found {
			bldr.AppendNull()
		}
	}
	return bldr.NewArray()
}

// substring is 1-indexed like SQL.
func substring(s *state, args []arrow.Array) arrow.Array {
	bldr := array.NewStringBuilder(s.alloc)
	defer bldr.Release()
	str, start := args[0], args[1]
	for row := 0; row < s.rows; row++ {
		if str.IsNull(row) {
			bldr.AppendNull()
			continue
		}
		v := stringValue(str, row)
		from := max(int(intValue(start, row))-1, 0)
		if from > len(v) {
			bldr.Append("")
			continue
		}
		to := len(v)
		if len(args) == 3 {
			to = min(from+int(intValue(args[2], row)), len(v))
		}
		if to < from {
			to = from
		}
		bldr.Append(v[from:to])
	}
	return bldr.NewArray()
}

func releaseAll(arrs ...arrow.Array) {
	for _, a := range arrs {
		if a != nil {
			a.Release()
		}
	}
}
