package batch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapLocator map[string]Info

func (m mapLocator) Batch(id string) (Info, bool) {
	info, ok := m[id]
	return info, ok
}

func TestIntermediaryPaths(t *testing.T) {
	rec, idx := IntermediaryPaths("/tmp/chunks", 1234567890)
	assert.Equal(t, "/tmp/chunks/IntermediaryMerged_1234567890_tcf.sorted", rec)
	assert.Equal(t, "/tmp/chunks/IntermediaryMerged_1234567890_tcif.sorted", idx)
	assert.Equal(t, "Merged_1234567890", MergedID(1234567890))
}

func TestStamperStrictlyIncreasing(t *testing.T) {
	var s Stamper
	prev := s.Next()
	for i := 0; i < 1000; i++ {
		next := s.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestParseOrderBy(t *testing.T) {
	for in, want := range map[string]OrderBy{
		"":           OrderNone,
		"none":       OrderNone,
		"ert":        OrderERT,
		" SCET ":     OrderSCET,
		"channel_id": OrderChannelID,
		"Module":     OrderModule,
	} {
		got, err := ParseOrderBy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseOrderBy("altitude")
	assert.Error(t, err)

	assert.False(t, OrderNone.Ordered())
	assert.True(t, OrderERT.Ordered())
}

func TestIndexItemCompareTieBreak(t *testing.T) {
	a := IndexItem{BatchID: "b", Key: "k", Seq: 1}
	b := IndexItem{BatchID: "a", Key: "k", Seq: 2}
	c := IndexItem{BatchID: "c", Key: "j", Seq: 9}

	assert.Negative(t, a.Compare(b), "lower sequence wins a tie")
	assert.Positive(t, b.Compare(a))
	assert.Negative(t, c.Compare(a), "key dominates sequence")
	assert.Zero(t, a.Compare(a))
}

func TestWriteAndReadPair(t *testing.T) {
	dir := t.TempDir()
	rec, idx := ProducerPaths(dir, "batch_1_1")
	info := Info{ID: "batch_1_1", RecordFile: rec, IndexFile: idx, Seq: 7}

	rows := []Row{{Key: "001", Record: "a,1"}, {Key: "002", Record: "b,2"}, {Key: "003", Record: "c,3"}}
	require.NoError(t, WriteRows(FileWriters{}, info, rows))

	readers := NewFileReaders(mapLocator{info.ID: info})
	rr, err := readers.OpenRecords(info.ID)
	require.NoError(t, err)
	defer rr.Close()
	ir, err := readers.OpenIndex(info.ID)
	require.NoError(t, err)
	defer ir.Close()

	for _, want := range rows {
		r, ok := rr.Next()
		require.True(t, ok)
		k, ok := ir.Next()
		require.True(t, ok)
		assert.Equal(t, want.Record, r)
		assert.Equal(t, IndexItem{BatchID: info.ID, Key: want.Key, Seq: 7}, k)
	}
	_, ok := rr.Next()
	assert.False(t, ok)
	_, ok = ir.Next()
	assert.False(t, ok)
	assert.NoError(t, rr.Err())
	assert.NoError(t, ir.Err())
}

func TestOpenMissingBatch(t *testing.T) {
	dir := t.TempDir()
	rec, idx := ProducerPaths(dir, "gone")
	readers := NewFileReaders(mapLocator{"gone": {ID: "gone", RecordFile: rec, IndexFile: idx}})

	_, err := readers.OpenRecords("gone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, rec, nf.Path)

	_, err = readers.OpenIndex("unregistered")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveToleratesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	rec, idx := ProducerPaths(dir, "x")
	require.NoError(t, os.WriteFile(rec, []byte("r\n"), 0o644))

	require.NoError(t, Remove(Info{ID: "x", RecordFile: rec, IndexFile: idx}))
	_, err := os.Stat(rec)
	assert.True(t, os.IsNotExist(err))
}

func TestScanDir(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"batch_2_20", "batch_1_10"} {
		rec, idx := ProducerPaths(dir, id)
		require.NoError(t, WriteRows(FileWriters{}, Info{ID: id, RecordFile: rec, IndexFile: idx},
			[]Row{{Key: "k", Record: "r"}}))
	}
	orphan, _ := ProducerPaths(dir, "batch_3_30")
	require.NoError(t, os.WriteFile(orphan, []byte("r\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	found, orphans, err := ScanDir(dir)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "batch_1_10", found[0].ID)
	assert.Equal(t, "batch_2_20", found[1].ID)
	assert.Equal(t, []string{orphan}, orphans)
}
