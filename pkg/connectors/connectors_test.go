package connectors

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	helpers "github.com/sandboxws/batchmerge/pkg/arrow/helpers"
	"github.com/sandboxws/batchmerge/pkg/batch"
	"github.com/sandboxws/batchmerge/pkg/operator"
	"github.com/sandboxws/batchmerge/pkg/registry"
)

func testContext(t *testing.T) *operator.Context {
	t.Helper()
	return operator.NewContext(context.Background(), helpers.NewTestAllocator(t), "q", "test")
}

func channelRecord(t *testing.T, ctx *operator.Context, lines ...string) arrow.Record {
	t.Helper()
	schema, err := helpers.SchemaFromSpecs([]helpers.ColumnSpec{
		{Name: "channel_id"},
		{Name: "dn", Type: "int64"},
	})
	require.NoError(t, err)
	rec, err := helpers.RecordFromCSV(ctx.Alloc, schema, lines)
	require.NoError(t, err)
	t.Cleanup(rec.Release)
	return rec
}

func TestConsoleLines(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(2)
	c.SetWriter(&buf)
	ctx := testContext(t)
	require.NoError(t, c.Open(ctx))

	require.NoError(t, c.WriteChunk(operator.Chunk{Lines: []string{"h"}, Header: true}))
	require.NoError(t, c.WriteChunk(operator.Chunk{Lines: []string{"a", "b", "c"}}))
	require.NoError(t, c.Close())

	assert.Equal(t, "h\na\nb\n... (1 more rows)\n", buf.String())
	assert.Equal(t, int64(3), c.Count())
}

func TestConsoleTable(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(0)
	c.SetWriter(&buf)
	ctx := testContext(t)

	lines := []string{"C-0001,12", "C-0002,"}
	rec := channelRecord(t, ctx, lines...)
	require.NoError(t, c.WriteChunk(operator.Chunk{Lines: []string{"channel_id,dn"}, Header: true}))
	require.NoError(t, c.WriteChunk(operator.Chunk{Lines: lines, Record: rec}))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "| channel_id | dn   |"), out)
	assert.Contains(t, out, "| C-0001     | 12   |")
	assert.Contains(t, out, "| C-0002     | NULL |")
	assert.NotContains(t, out, "channel_id,dn", "tables print their own header")
}

func TestLineSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	s := NewLineSink(path)
	require.NoError(t, s.Open(testContext(t)))
	require.NoError(t, s.WriteChunk(operator.Chunk{Lines: []string{"h"}, Header: true}))
	require.NoError(t, s.WriteChunk(operator.Chunk{Lines: []string{"1", "2"}}))
	require.NoError(t, s.WriteChunk(operator.Chunk{Lines: []string{"3"}}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "h\n1\n2\n3\n", string(data))
	assert.Equal(t, int64(3), s.Rows())
}

func TestLineSinkBadPath(t *testing.T) {
	s := NewLineSink(filepath.Join(t.TempDir(), "missing", "out.csv"))
	assert.Error(t, s.Open(testContext(t)))
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if f.err == nil {
			f.records = append(f.records, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func newTestKafkaSink(t *testing.T, format, key string) (*KafkaSink, *fakeProducer) {
	t.Helper()
	k, err := NewKafkaSink([]string{"localhost:9092"}, "telemetry", format, key)
	require.NoError(t, err)
	fp := &fakeProducer{}
	k.client = fp
	require.NoError(t, k.Open(testContext(t)))
	return k, fp
}

func TestKafkaSinkJSON(t *testing.T) {
	k, fp := newTestKafkaSink(t, FormatJSON, "channel_id")
	ctx := testContext(t)
	lines := []string{"C-0001,12", "C-0002,"}

	require.NoError(t, k.WriteChunk(operator.Chunk{Lines: []string{"channel_id,dn"}, Header: true}))
	require.NoError(t, k.WriteChunk(operator.Chunk{Lines: lines, Record: channelRecord(t, ctx, lines...)}))
	require.Len(t, fp.records, 2, "header is not produced")

	var row map[string]any
	require.NoError(t, json.Unmarshal(fp.records[0].Value, &row))
	assert.Equal(t, map[string]any{"channel_id": "C-0001", "dn": float64(12)}, row)
	assert.Equal(t, "C-0001", string(fp.records[0].Key))

	require.NoError(t, json.Unmarshal(fp.records[1].Value, &row))
	assert.Nil(t, row["dn"])

	require.NoError(t, k.Close())
	assert.True(t, fp.closed)
}

func TestKafkaSinkProtobuf(t *testing.T) {
	k, fp := newTestKafkaSink(t, FormatProtobuf, "")
	ctx := testContext(t)
	lines := []string{"C-0003,7"}
	require.NoError(t, k.WriteChunk(operator.Chunk{Lines: lines, Record: channelRecord(t, ctx, lines...)}))
	require.Len(t, fp.records, 1)
	assert.Nil(t, fp.records[0].Key)

	var s structpb.Struct
	require.NoError(t, proto.Unmarshal(fp.records[0].Value, &s))
	assert.Equal(t, "C-0003", s.Fields["channel_id"].GetStringValue())
	assert.Equal(t, float64(7), s.Fields["dn"].GetNumberValue())
}

func TestKafkaSinkRawLines(t *testing.T) {
	k, fp := newTestKafkaSink(t, "", "")
	require.NoError(t, k.WriteChunk(operator.Chunk{Lines: []string{"a,1", "b,2"}}))
	require.Len(t, fp.records, 2)
	assert.Equal(t, "b,2", string(fp.records[1].Value))
}

func TestKafkaSinkProduceError(t *testing.T) {
	k, fp := newTestKafkaSink(t, FormatRaw, "")
	fp.err = errors.New("broker unavailable")
	err := k.WriteChunk(operator.Chunk{Lines: []string{"a"}})
	assert.ErrorContains(t, err, "broker unavailable")
}

func TestKafkaSinkUnknownFormat(t *testing.T) {
	_, err := NewKafkaSink(nil, "t", "avro", "")
	assert.Error(t, err)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestGeneratorWritesSortedBatches(t *testing.T) {
	for _, order := range []batch.OrderBy{batch.OrderERT, batch.OrderSCLK, batch.OrderChannelID} {
		t.Run(string(order), func(t *testing.T) {
			dir := t.TempDir()
			reg := registry.NewMemory(registry.Options{ChunkDir: dir})
			gen := NewGenerator(GeneratorOptions{
				Dir: dir, OrderBy: order, Batches: 3, RowsPerBatch: 50, Seed: 7,
			})
			ctx := testContext(t)
			require.NoError(t, gen.Open(ctx))
			require.NoError(t, gen.Run(ctx, reg))
			require.NoError(t, gen.Close())

			assert.Equal(t, 3, gen.Written())
			batches := reg.Batches()
			require.Len(t, batches, 3)
			for _, b := range batches {
				keys := readLines(t, b.IndexFile)
				records := readLines(t, b.RecordFile)
				assert.Len(t, keys, 50)
				assert.Len(t, records, 50)
				assert.IsNonDecreasing(t, keys)
				assert.Len(t, strings.Split(records[0], ","), len(strings.Split(TelemetryHeader, ",")))
			}
		})
	}
}

func TestGeneratorEmptyBatches(t *testing.T) {
	dir := t.TempDir()
	reg := registry.NewMemory(registry.Options{ChunkDir: dir})
	reg.FinishProduction()
	gen := NewGenerator(GeneratorOptions{Dir: dir, Batches: 2})
	require.NoError(t, gen.Run(testContext(t), reg))

	assert.Zero(t, gen.Written())
	assert.Zero(t, reg.Len())
	_, ok := reg.NextBatchID()
	assert.False(t, ok, "empty batches release their reservation")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGeneratorCancelled(t *testing.T) {
	dir := t.TempDir()
	reg := registry.NewMemory(registry.Options{ChunkDir: dir})
	gen := NewGenerator(GeneratorOptions{Dir: dir, Batches: 100, RowsPerBatch: 1, Interval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, gen.Run(operator.NewContext(ctx, nil, "q", "gen"), reg))
	assert.Equal(t, 1, gen.Written())
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"batch_2_1", "batch_1_1"} {
		rec, idx := batch.ProducerPaths(dir, id)
		require.NoError(t, batch.WriteRows(batch.FileWriters{}, batch.Info{ID: id, RecordFile: rec, IndexFile: idx},
			[]batch.Row{{Key: "k", Record: id}}))
	}
	orphan, _ := batch.ProducerPaths(dir, "half")
	require.NoError(t, os.WriteFile(orphan, []byte("x\n"), 0o644))

	reg := registry.NewMemory(registry.Options{ChunkDir: dir})
	src := NewDirSource(dir)
	require.NoError(t, src.Run(testContext(t), reg))

	assert.Equal(t, 2, src.Found())
	batches := reg.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, "batch_1_1", batches[0].ID, "file-name order")

	assert.Error(t, NewDirSource(filepath.Join(dir, "nope")).Run(testContext(t), reg))
}
