package output

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	helpers "github.com/sandboxws/batchmerge/pkg/arrow/helpers"
	"github.com/sandboxws/batchmerge/pkg/operator"
)

type memSink struct {
	opened, closed bool
	header         []string
	lines          []string
	records        int
	failAfter      int
}

var errSinkDown = errors.New("sink down")

func (s *memSink) Open(*operator.Context) error { s.opened = true; return nil }
func (s *memSink) Close() error                 { s.closed = true; return nil }

func (s *memSink) WriteChunk(c operator.Chunk) error {
	if c.Header {
		s.header = append(s.header, c.Lines...)
		return nil
	}
	if s.failAfter > 0 && len(s.lines) >= s.failAfter {
		return errSinkDown
	}
	if c.Record != nil {
		if int(c.Record.NumRows()) != len(c.Lines) {
			panic("record and lines out of step")
		}
		s.records++
	}
	s.lines = append(s.lines, c.Lines...)
	return nil
}

func outputSchema(t *testing.T) *arrow.Schema {
	t.Helper()
	schema, err := helpers.SchemaFromSpecs([]helpers.ColumnSpec{
		{Name: "channel_id"},
		{Name: "dn", Type: "int"},
	})
	require.NoError(t, err)
	return schema
}

func runController(t *testing.T, opts Options, chunks ...[]string) (*memSink, error) {
	t.Helper()
	queue := make(chan []string, len(chunks))
	for _, c := range chunks {
		queue <- c
	}
	close(queue)

	sink, ok := opts.Sink.(*memSink)
	if !ok {
		sink = &memSink{}
		opts.Sink = sink
	}
	opts.Queue = queue
	c, err := NewController(opts)
	require.NoError(t, err)

	alloc := helpers.NewTestAllocator(t)
	return sink, c.Run(operator.NewContext(context.Background(), alloc, "q", "test"))
}

func TestControllerPassThrough(t *testing.T) {
	sink, err := runController(t, Options{Header: "channel_id,dn"},
		[]string{"a,1", "b,2"}, []string{}, []string{"c,3"})
	require.NoError(t, err)

	assert.True(t, sink.opened)
	assert.True(t, sink.closed)
	assert.Equal(t, []string{"channel_id,dn"}, sink.header)
	assert.Equal(t, []string{"a,1", "b,2", "c,3"}, sink.lines)
	assert.Zero(t, sink.records)
}

func TestControllerWhere(t *testing.T) {
	schema := outputSchema(t)
	where, err := NewWhere("dn >= 2 AND channel_id <> 'x'", schema, nil)
	require.NoError(t, err)

	sink, err := runController(t, Options{Schema: schema, Filters: []Filter{where}},
		[]string{"a,1", "b,2", "x,5"}, []string{"c,3"}, []string{"d,0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b,2", "c,3"}, sink.lines)
	assert.Equal(t, 2, sink.records, "chunk filtered to nothing is not written")
}

func TestChangesOnly(t *testing.T) {
	schema := outputSchema(t)
	co, err := NewChangesOnly("channel_id", "dn", schema, nil)
	require.NoError(t, err)

	sink, err := runController(t, Options{Schema: schema, Filters: []Filter{co}},
		[]string{"a,1", "b,1", "a,1", "a,2"},
		[]string{"b,1", "a,2", "b,"},
		[]string{"b,", "b,3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a,1", "b,1", "a,2", "b,", "b,3"}, sink.lines,
		"state carries across chunks")

	_, err = NewChangesOnly("channel_id", "eu", schema, nil)
	assert.Error(t, err)
}

func TestFiltersChain(t *testing.T) {
	schema := outputSchema(t)
	where, err := NewWhere("channel_id = 'a'", schema, nil)
	require.NoError(t, err)
	co, err := NewChangesOnly("channel_id", "dn", schema, nil)
	require.NoError(t, err)

	sink, err := runController(t, Options{Schema: schema, Filters: []Filter{where, co}},
		[]string{"a,1", "b,9", "a,1", "a,4"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a,1", "a,4"}, sink.lines)
}

func TestControllerSinkFailure(t *testing.T) {
	sink := &memSink{failAfter: 1}
	_, err := runController(t, Options{Sink: sink}, []string{"a"}, []string{"b"})
	assert.ErrorIs(t, err, errSinkDown)
	assert.True(t, sink.closed)
}

func TestControllerBadRow(t *testing.T) {
	_, err := runController(t, Options{Schema: outputSchema(t)}, []string{"a,notanint"})
	assert.ErrorContains(t, err, "parse output rows")
}

func TestControllerCancelled(t *testing.T) {
	queue := make(chan []string)
	c, err := NewController(Options{Queue: queue, Sink: &memSink{}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.Run(operator.NewContext(ctx, nil, "q", "test"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewControllerValidation(t *testing.T) {
	_, err := NewController(Options{})
	assert.Error(t, err)

	schema := outputSchema(t)
	where, err := NewWhere("dn > 1", schema, nil)
	require.NoError(t, err)
	_, err = NewController(Options{Queue: make(chan []string), Sink: &memSink{}, Filters: []Filter{where}})
	assert.Error(t, err, "filters without schema")
}
