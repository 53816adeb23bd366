package merge

import (
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/sandboxws/batchmerge/pkg/batch"
	"github.com/sandboxws/batchmerge/pkg/metrics"
)

// cursor is one open batch: its readers advanced in step and the current row.
type cursor struct {
	info    batch.Info
	records batch.RecordReader
	index   batch.IndexReader
	record  string
}

func (c *cursor) close() error {
	return multierr.Combine(c.records.Close(), c.index.Close())
}

// kway merges a set of batches by key. Every batch is retired (closed, removed
// from the registry, files deleted unless kept) as soon as its last row has been
// handed out.
type kway struct {
	opts    Options
	phase   string
	logger  *slog.Logger
	cursors map[string]*cursor
	heap    frontier
	dropped int

	// skipFailed drops a batch that cannot be opened or read instead of
	// failing the merge. Rows it already produced stay produced.
	skipFailed bool
}

func newKWay(opts Options, phase string, logger *slog.Logger) *kway {
	return &kway{
		opts:    opts,
		phase:   phase,
		logger:  logger,
		cursors: make(map[string]*cursor),
	}
}

// open seeds the frontier with the first row of every batch. Batches that are
// gone are dropped; any other error is returned, unless skipFailed is set, and
// leaves the already opened batches to close.
func (k *kway) open(batches []batch.Info) error {
	k.heap = make(frontier, 0, len(batches))
	for _, info := range batches {
		c, err := k.openCursor(info)
		if err != nil {
			switch {
			case errors.Is(err, batch.ErrNotFound):
				k.drop(info, "not_found", err)
				continue
			case k.skipFailed:
				k.drop(info, failureReason(err), err)
				continue
			}
			return err
		}
		k.cursors[info.ID] = c
		head, ok, err := k.advance(c)
		if err != nil {
			if k.skipFailed {
				k.discard(c, err)
				continue
			}
			return err
		}
		if !ok {
			k.retire(c)
			continue
		}
		k.heap.push(head)
	}
	return nil
}

func (k *kway) openCursor(info batch.Info) (*cursor, error) {
	records, err := k.opts.Records.OpenRecords(info.ID)
	if err != nil {
		return nil, err
	}
	index, err := k.opts.Index.OpenIndex(info.ID)
	if err != nil {
		return nil, multierr.Append(err, records.Close())
	}
	return &cursor{info: info, records: records, index: index}, nil
}

// advance reads the next key and record of c. It reports false once both files
// are exhausted.
func (k *kway) advance(c *cursor) (batch.IndexItem, bool, error) {
	item, okIdx := c.index.Next()
	record, okRec := c.records.Next()
	if okIdx && okRec {
		c.record = record
		return item, true, nil
	}
	if err := multierr.Combine(c.index.Err(), c.records.Err()); err != nil {
		return batch.IndexItem{}, false, fmt.Errorf("read batch %s: %w", c.info.ID, err)
	}
	if okIdx != okRec {
		return batch.IndexItem{}, false, fmt.Errorf("batch %s: %w", c.info.ID, batch.ErrIndexMismatch)
	}
	return batch.IndexItem{}, false, nil
}

// next returns the smallest remaining row. It reports false once every batch
// is exhausted.
func (k *kway) next() (key, record string, ok bool, err error) {
	if k.heap.Len() == 0 {
		return "", "", false, nil
	}
	head := k.heap.pop()
	c := k.cursors[head.BatchID]
	key, record = head.Key, c.record

	following, more, err := k.advance(c)
	switch {
	case err != nil && k.skipFailed:
		k.discard(c, err)
	case err != nil:
		return "", "", false, err
	case more:
		k.heap.push(following)
	default:
		k.retire(c)
	}
	return key, record, true, nil
}

// retire closes an exhausted batch, removes it from the registry and deletes its
// files. Failures are logged only.
func (k *kway) retire(c *cursor) {
	delete(k.cursors, c.info.ID)
	if err := c.close(); err != nil {
		k.logger.Warn("closing exhausted batch failed", "batch", c.info.ID, "error", err)
	}
	k.opts.Registry.RemoveBatch(c.info.ID)
	if k.opts.KeepTempFiles {
		return
	}
	if err := batch.Remove(c.info); err != nil {
		k.logger.Warn("deleting exhausted batch failed", "batch", c.info.ID, "error", err)
	}
}

// discard closes a cursor that failed mid-read and drops its batch.
func (k *kway) discard(c *cursor, err error) {
	delete(k.cursors, c.info.ID)
	if cerr := c.close(); cerr != nil {
		k.logger.Warn("closing failed batch failed", "batch", c.info.ID, "error", cerr)
	}
	k.drop(c.info, failureReason(err), err)
}

// drop forgets a batch that could not be read. The files of a batch that is
// gone are cleaned up; an unreadable batch keeps its files for inspection.
func (k *kway) drop(info batch.Info, reason string, err error) {
	metrics.BatchesDropped.WithLabelValues(k.phase, reason).Inc()
	k.dropped++
	k.opts.Registry.RemoveBatch(info.ID)
	if reason != "not_found" {
		k.logger.Error("batch dropped", "batch", info.ID, "reason", reason, "error", err)
		return
	}
	k.logger.Debug("batch dropped", "batch", info.ID, "reason", reason, "error", err)
	if !k.opts.KeepTempFiles {
		if rmErr := batch.Remove(info); rmErr != nil {
			k.logger.Warn("deleting dropped batch failed", "batch", info.ID, "error", rmErr)
		}
	}
}

func failureReason(err error) string {
	if errors.Is(err, batch.ErrIndexMismatch) {
		return "corrupt"
	}
	return "io"
}

// close releases every batch that was not exhausted. Those batches stay
// registered.
func (k *kway) close() error {
	var err error
	for id, c := range k.cursors {
		err = multierr.Append(err, c.close())
		delete(k.cursors, id)
	}
	k.heap = k.heap[:0]
	return err
}
