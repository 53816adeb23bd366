package registry

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/batchmerge/pkg/batch"
)

func newMemory(maxOpen int) *Memory {
	return NewMemory(Options{ChunkDir: "/tmp/chunks", MaxOpenBatches: maxOpen, OutputQueueSize: 2})
}

func addN(t *testing.T, m *Memory, n int) []batch.Info {
	t.Helper()
	var out []batch.Info
	for i := 0; i < n; i++ {
		id := m.NewBatchID()
		info, err := m.AddBatch(batch.Info{ID: id, RecordFile: id + ".r", IndexFile: id + ".i"})
		require.NoError(t, err)
		out = append(out, info)
	}
	return out
}

func ids(infos []batch.Info) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.ID
	}
	return out
}

func TestNewBatchIDFormat(t *testing.T) {
	m := newMemory(20)
	a := m.NewBatchID()
	b := m.NewBatchID()
	assert.True(t, strings.HasPrefix(a, "batch_1_"), a)
	assert.True(t, strings.HasPrefix(b, "batch_2_"), b)
	assert.NotEqual(t, a, b)
}

func TestAddBatchAssignsSequence(t *testing.T) {
	m := newMemory(20)
	infos := addN(t, m, 3)
	assert.Equal(t, uint64(1), infos[0].Seq)
	assert.Equal(t, uint64(3), infos[2].Seq)
	assert.Equal(t, ids(infos), ids(m.Batches()))

	got, ok := m.Batch(infos[1].ID)
	require.True(t, ok)
	assert.Equal(t, infos[1], got)

	_, err := m.AddBatch(infos[0])
	assert.Error(t, err, "duplicate id")
	_, err = m.AddBatch(batch.Info{})
	assert.Error(t, err, "empty id")
}

func TestReductionStateMachine(t *testing.T) {
	m := newMemory(4)
	addN(t, m, 4)
	assert.False(t, m.ReadyToReduce(), "at the boundary no round is due")
	assert.Nil(t, m.ClaimForReduction())

	addN(t, m, 2)
	require.True(t, m.ReadyToReduce())

	claimed := m.ClaimForReduction()
	require.Len(t, claimed, 6)
	assert.False(t, m.ReadyToReduce(), "claimed batches are not active")
	assert.Nil(t, m.ClaimForReduction(), "a second claim gets nothing")

	m.IncrementReductionCount()
	m.IncrementReductionCount()

	// New producer batches arriving during the round do not start another one.
	addN(t, m, 6)
	assert.False(t, m.ReadyToReduce())

	merged := m.NewMergedBatch()
	require.NoError(t, m.RegisterMergedBatch(merged, ids(claimed[:4])))
	assert.False(t, m.ReadyToReduce(), "one task still in flight")

	// The second task fails after retiring one batch; the other is released.
	m.RemoveBatch(claimed[4].ID)
	m.AbandonReduction(ids(claimed[4:]))

	_, ok := m.Batch(claimed[5].ID)
	assert.True(t, ok, "unexhausted batch is released")
	assert.Equal(t, 8, m.Len()) // 6 new + merged + released
	assert.True(t, m.ReadyToReduce())
	assert.Equal(t, 1, m.Rounds())
}

func TestMergedBatchGetsFreshSequence(t *testing.T) {
	m := newMemory(1)
	addN(t, m, 2)
	claimed := m.ClaimForReduction()
	m.IncrementReductionCount()

	merged := m.NewMergedBatch()
	assert.True(t, strings.HasPrefix(merged.ID, "Merged_"))
	assert.True(t, strings.HasPrefix(merged.RecordFile, "/tmp/chunks/IntermediaryMerged_"))
	assert.Equal(t,
		strings.TrimSuffix(merged.RecordFile, batch.RecordSuffix),
		strings.TrimSuffix(merged.IndexFile, batch.IndexSuffix))

	require.NoError(t, m.RegisterMergedBatch(merged, ids(claimed)))
	all := m.Batches()
	require.Len(t, all, 1)
	assert.Equal(t, merged.ID, all[0].ID)
	assert.Equal(t, uint64(3), all[0].Seq)
}

func TestNewMergedBatchUnique(t *testing.T) {
	m := newMemory(20)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		info := m.NewMergedBatch()
		require.False(t, seen[info.RecordFile], info.RecordFile)
		seen[info.RecordFile] = true
	}
}

func TestReadyForFinalMerge(t *testing.T) {
	m := newMemory(2)
	m.ProducerStarted()
	addN(t, m, 3)
	assert.False(t, m.ReadyForFinalMerge(), "production still running")

	m.ProducerDone()
	assert.False(t, m.ReadyForFinalMerge(), "more producers may start")

	m.FinishProduction()
	assert.False(t, m.ReadyForFinalMerge(), "a reduction round is still due")

	claimed := m.ClaimForReduction()
	m.IncrementReductionCount()
	assert.False(t, m.ReadyForFinalMerge(), "reduction in flight")

	require.NoError(t, m.RegisterMergedBatch(m.NewMergedBatch(), ids(claimed)))
	assert.True(t, m.ReadyForFinalMerge())

	taken := m.TakeAll()
	require.Len(t, taken, 1)
	assert.Empty(t, m.TakeAll(), "taken batches are not active")
}

func TestReductionDisabled(t *testing.T) {
	m := newMemory(0)
	addN(t, m, 50)
	m.FinishProduction()
	assert.False(t, m.ReadyToReduce())
	assert.True(t, m.ReadyForFinalMerge())
}

func TestReservationOrder(t *testing.T) {
	m := newMemory(20)
	m.ProducerStarted()
	first := m.NewBatchID()
	second := m.NewBatchID()
	empty := m.NewBatchID()
	third := m.NewBatchID()

	_, err := m.AddBatch(batch.Info{ID: second})
	require.NoError(t, err)
	assert.False(t, m.NextBatchReady(), "first reservation is not registered yet")

	_, err = m.AddBatch(batch.Info{ID: first})
	require.NoError(t, err)
	id, ok := m.NextBatchID()
	require.True(t, ok)
	assert.Equal(t, first, id)

	m.RemoveBatch(first)
	id, _ = m.NextBatchID()
	assert.Equal(t, second, id)
	m.RemoveBatch(second)

	m.DiscardBatchID(empty)
	_, err = m.AddBatch(batch.Info{ID: third})
	require.NoError(t, err)
	id, _ = m.NextBatchID()
	assert.Equal(t, third, id)
}

func TestStaleReservationSkippedAfterProduction(t *testing.T) {
	m := newMemory(20)
	m.NewBatchID() // never registered
	later := m.NewBatchID()
	_, err := m.AddBatch(batch.Info{ID: later})
	require.NoError(t, err)

	assert.False(t, m.NextBatchReady())
	m.FinishProduction()
	id, ok := m.NextBatchID()
	require.True(t, ok)
	assert.Equal(t, later, id)
}

func TestProductionInProgress(t *testing.T) {
	m := newMemory(20)
	assert.True(t, m.ProductionInProgress())
	m.ProducerStarted()
	m.FinishProduction()
	assert.True(t, m.ProductionInProgress(), "producer still running")

	infos := addN(t, m, 1)
	m.ProducerDone()
	assert.True(t, m.ProductionInProgress(), "batch left to forward")

	m.RemoveBatch(infos[0].ID)
	assert.False(t, m.ProductionInProgress())
}

func TestOutputQueue(t *testing.T) {
	m := newMemory(20)
	ctx := context.Background()

	require.NoError(t, m.PushToOutput(ctx, []string{"a"}))
	require.NoError(t, m.PushToOutput(ctx, []string{"b"}))
	assert.Equal(t, 2, m.OutputQueueSize())

	// The queue is full; a cancelled push gives up.
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.PushToOutput(cctx, []string{"c"}), context.DeadlineExceeded)

	assert.Equal(t, []string{"a"}, <-m.Output())
	assert.Equal(t, []string{"b"}, <-m.Output())

	m.CloseOutput()
	m.CloseOutput()
	_, open := <-m.Output()
	assert.False(t, open)
	assert.ErrorIs(t, m.PushToOutput(ctx, nil), ErrOutputClosed)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	m := newMemory(1)
	addN(t, m, 40)

	results := make(chan []batch.Info, 8)
	for i := 0; i < 8; i++ {
		go func() { results <- m.ClaimForReduction() }()
	}
	claimedBy := 0
	for i := 0; i < 8; i++ {
		if got := <-results; got != nil {
			claimedBy++
			assert.Len(t, got, 40)
		}
	}
	assert.Equal(t, 1, claimedBy, fmt.Sprintf("claims: %d", claimedBy))
}
