// Package registry tracks the batches of one query: which exist, which are being
// reduced, and whether production, reduction and the final merge may proceed.
// It is the single source of truth shared by producers and merge tasks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sandboxws/batchmerge/pkg/batch"
	"github.com/sandboxws/batchmerge/pkg/metrics"
)

// ErrOutputClosed is returned by PushToOutput after CloseOutput.
var ErrOutputClosed = errors.New("output queue closed")

const defaultOutputQueueSize = 16

// Registry is the view of the batch registry that merge tasks work against.
type Registry interface {
	batch.Locator

	// Batches returns a snapshot of every registered batch in registration order.
	Batches() []batch.Info
	// RemoveBatch forgets a batch. Its files are the caller's concern.
	RemoveBatch(id string)

	// NewMergedBatch allocates the id and file names of an intermediary batch.
	NewMergedBatch() batch.Info
	// RegisterMergedBatch makes a merged batch visible to later rounds and
	// retires whatever is left of the group it was built from.
	RegisterMergedBatch(info batch.Info, consumed []string) error
	// AbandonReduction ends a group merge without output. Batches of the group
	// still registered become available again.
	AbandonReduction(consumed []string)

	// ReadyToReduce reports whether enough batches are outstanding to fold and no
	// reduction is in flight.
	ReadyToReduce() bool
	// ClaimForReduction atomically moves every active batch to the reducing state
	// and returns them in registration order.
	ClaimForReduction() []batch.Info
	// IncrementReductionCount records one submitted group merge.
	IncrementReductionCount()

	// ReadyForFinalMerge reports whether production and reduction are finished.
	ReadyForFinalMerge() bool
	// TakeAll claims every active batch for the final merge.
	TakeAll() []batch.Info

	// ProductionInProgress reports whether producers may still deliver batches
	// or registered batches remain to be forwarded.
	ProductionInProgress() bool
	// NextBatchReady reports whether the oldest reserved batch has been registered.
	NextBatchReady() bool
	// NextBatchID returns the oldest reserved batch id.
	NextBatchID() (string, bool)

	// PushToOutput hands a chunk of rows to the output queue, blocking while the
	// queue is full.
	PushToOutput(ctx context.Context, rows []string) error
	// OutputQueueSize returns the number of chunks waiting in the output queue.
	OutputQueueSize() int
}

type state int

const (
	stateActive state = iota
	stateReducing
)

type entry struct {
	info  batch.Info
	state state
}

// Options configures a Memory registry.
type Options struct {
	// ChunkDir receives intermediary batch files.
	ChunkDir string

	// MaxOpenBatches is the number of active batches the final merge may open at
	// once. Reduction rounds run while more batches than this are outstanding.
	// Zero disables reduction.
	MaxOpenBatches int

	// OutputQueueSize bounds the number of chunks waiting for the output sink.
	OutputQueueSize int

	Logger *slog.Logger
}

// Memory is the in-process registry implementation.
type Memory struct {
	mu sync.Mutex

	chunkDir       string
	maxOpenBatches int
	logger         *slog.Logger

	entries  map[string]*entry
	reserved []string // producer reservations, oldest first
	seq      uint64
	counter  int

	producers       int
	productionEnded bool

	inFlight int
	reducing int
	rounds   int

	stamper batch.Stamper

	outMu     sync.RWMutex
	out       chan []string
	outClosed bool
}

var _ Registry = (*Memory)(nil)

// NewMemory creates an empty registry.
func NewMemory(opts Options) *Memory {
	qs := opts.OutputQueueSize
	if qs <= 0 {
		qs = defaultOutputQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		chunkDir:       opts.ChunkDir,
		maxOpenBatches: opts.MaxOpenBatches,
		logger:         logger.With("component", "registry"),
		entries:        make(map[string]*entry),
		out:            make(chan []string, qs),
	}
}

// ── Producer side ───────────────────────────────────────────────────

// ProducerStarted records a running producer.
func (m *Memory) ProducerStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producers++
}

// ProducerDone records that a producer will register no more batches.
func (m *Memory) ProducerDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.producers > 0 {
		m.producers--
	}
}

// FinishProduction declares that no further producers will start.
func (m *Memory) FinishProduction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.productionEnded = true
	m.logger.Debug("production finished", "batches", len(m.entries))
}

// NewBatchID reserves the next producer batch id. Reservations fix the order in
// which the unordered path forwards batches.
func (m *Memory) NewBatchID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	id := fmt.Sprintf("batch_%d_%d", m.counter, time.Now().UnixNano())
	m.reserved = append(m.reserved, id)
	return id
}

// DiscardBatchID releases a reservation whose batch turned out to be empty.
func (m *Memory) DiscardBatchID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved = slices.DeleteFunc(m.reserved, func(r string) bool { return r == id })
}

// AddBatch registers a completed producer batch and returns it with its
// sequence number set. Batches added without a reservation are queued behind
// the existing reservations.
func (m *Memory) AddBatch(info batch.Info) (batch.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info.ID == "" {
		return info, fmt.Errorf("register batch: empty id")
	}
	if _, exists := m.entries[info.ID]; exists {
		return info, fmt.Errorf("register batch %s: already registered", info.ID)
	}
	if !slices.Contains(m.reserved, info.ID) {
		m.reserved = append(m.reserved, info.ID)
	}
	info = m.insertLocked(info)
	return info, nil
}

func (m *Memory) insertLocked(info batch.Info) batch.Info {
	m.seq++
	info.Seq = m.seq
	m.entries[info.ID] = &entry{info: info, state: stateActive}
	metrics.BatchesOutstanding.Set(float64(len(m.entries)))
	return info
}

func (m *Memory) productionFinishedLocked() bool {
	return m.productionEnded && m.producers == 0
}

// ── Lookup ──────────────────────────────────────────────────────────

// Batch implements batch.Locator.
func (m *Memory) Batch(id string) (batch.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return batch.Info{}, false
	}
	return e.info, true
}

// Batches returns every registered batch in registration order.
func (m *Memory) Batches() []batch.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(func(*entry) bool { return true })
}

// Len returns the number of registered batches.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Rounds returns the number of reduction rounds claimed so far.
func (m *Memory) Rounds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rounds
}

func (m *Memory) sortedLocked(keep func(*entry) bool) []batch.Info {
	out := make([]batch.Info, 0, len(m.entries))
	for _, e := range m.entries {
		if keep(e) {
			out = append(out, e.info)
		}
	}
	slices.SortFunc(out, func(a, b batch.Info) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

// RemoveBatch forgets a batch.
func (m *Memory) RemoveBatch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Memory) removeLocked(id string) {
	if e, ok := m.entries[id]; ok {
		if e.state == stateReducing {
			m.reducing--
		}
		delete(m.entries, id)
	}
	m.reserved = slices.DeleteFunc(m.reserved, func(r string) bool { return r == id })
	metrics.BatchesOutstanding.Set(float64(len(m.entries)))
}

// ── Reduction ───────────────────────────────────────────────────────

func (m *Memory) activeLocked() int {
	return len(m.entries) - m.reducing
}

// ReadyToReduce reports whether a new reduction round should start.
func (m *Memory) ReadyToReduce() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyToReduceLocked()
}

func (m *Memory) readyToReduceLocked() bool {
	if m.maxOpenBatches <= 0 {
		return false
	}
	return m.inFlight == 0 && m.reducing == 0 && m.activeLocked() > m.maxOpenBatches
}

// ClaimForReduction moves every active batch to the reducing state. It returns
// nil when no round is due, so two schedulers can never claim the same batch.
func (m *Memory) ClaimForReduction() []batch.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.readyToReduceLocked() {
		return nil
	}
	claimed := m.sortedLocked(func(e *entry) bool { return e.state == stateActive })
	for _, info := range claimed {
		m.entries[info.ID].state = stateReducing
	}
	m.reducing += len(claimed)
	m.rounds++
	m.logger.Debug("reduction round started", "round", m.rounds, "batches", len(claimed))
	return claimed
}

// IncrementReductionCount records a submitted group merge.
func (m *Memory) IncrementReductionCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
	m.logger.Debug("reduction count incremented", "in_flight", m.inFlight)
}

// NewMergedBatch allocates a unique intermediary batch.
func (m *Memory) NewMergedBatch() batch.Info {
	nanos := m.stamper.Next()
	rec, idx := batch.IntermediaryPaths(m.chunkDir, nanos)
	return batch.Info{ID: batch.MergedID(nanos), RecordFile: rec, IndexFile: idx}
}

// RegisterMergedBatch adds a merged batch as active and retires its group.
func (m *Memory) RegisterMergedBatch(info batch.Info, consumed []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[info.ID]; exists {
		return fmt.Errorf("register merged batch %s: already registered", info.ID)
	}
	for _, id := range consumed {
		m.removeLocked(id)
	}
	m.insertLocked(info)
	m.finishTaskLocked()
	return nil
}

// AbandonReduction releases the surviving batches of a group back to active.
func (m *Memory) AbandonReduction(consumed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range consumed {
		if e, ok := m.entries[id]; ok && e.state == stateReducing {
			e.state = stateActive
			m.reducing--
		}
	}
	m.finishTaskLocked()
}

func (m *Memory) finishTaskLocked() {
	if m.inFlight > 0 {
		m.inFlight--
	}
	m.logger.Debug("reduction task finished", "in_flight", m.inFlight, "batches", len(m.entries))
}

// ── Final merge ─────────────────────────────────────────────────────

// ReadyForFinalMerge reports whether production has ended, no reduction task is
// in flight, and no further round is due.
func (m *Memory) ReadyForFinalMerge() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.productionFinishedLocked() || m.inFlight > 0 || m.reducing > 0 {
		return false
	}
	return !m.readyToReduceLocked()
}

// TakeAll claims every active batch for the final merge.
func (m *Memory) TakeAll() []batch.Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	taken := m.sortedLocked(func(e *entry) bool { return e.state == stateActive })
	for _, info := range taken {
		m.entries[info.ID].state = stateReducing
	}
	m.reducing += len(taken)
	return taken
}

// ── Unordered forwarding ────────────────────────────────────────────

// ProductionInProgress reports whether the forwarder has to keep polling.
func (m *Memory) ProductionInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.productionFinishedLocked() || len(m.entries) > 0
}

// NextBatchReady reports whether the oldest reservation has been registered.
func (m *Memory) NextBatchReady() bool {
	_, ok := m.NextBatchID()
	return ok
}

// NextBatchID returns the oldest reservation if its batch has been registered.
// Once production has finished, reservations that never produced a batch are
// skipped.
func (m *Memory) NextBatchID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.reserved) > 0 {
		head := m.reserved[0]
		if e, ok := m.entries[head]; ok {
			return head, e.state == stateActive
		}
		if !m.productionFinishedLocked() {
			return "", false
		}
		m.reserved = m.reserved[1:]
	}
	return "", false
}

// ── Output queue ────────────────────────────────────────────────────

// PushToOutput enqueues a chunk for the output controller.
func (m *Memory) PushToOutput(ctx context.Context, rows []string) error {
	m.outMu.RLock()
	defer m.outMu.RUnlock()
	if m.outClosed {
		return ErrOutputClosed
	}
	select {
	case m.out <- rows:
		metrics.ChunksPushed.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OutputQueueSize returns the number of queued chunks.
func (m *Memory) OutputQueueSize() int {
	return len(m.out)
}

// Output is drained by the output controller until CloseOutput.
func (m *Memory) Output() <-chan []string {
	return m.out
}

// CloseOutput signals the end of the result stream. It must only be called once
// every task that pushes output has returned.
func (m *Memory) CloseOutput() {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	if !m.outClosed {
		m.outClosed = true
		close(m.out)
	}
}
