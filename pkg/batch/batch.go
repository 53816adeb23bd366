// Package batch defines the on-disk batch model shared by producers and the merge
// engine: a record file with one serialized row per line and a parallel index file
// with one sort key per line.
package batch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

const (
	// RecordSuffix terminates every record file name.
	RecordSuffix = "_tcf.sorted"
	// IndexSuffix terminates every index file name.
	IndexSuffix = "_tcif.sorted"

	intermediaryPrefix = "IntermediaryMerged_"
	mergedIDPrefix     = "Merged_"
)

// Info describes one registered batch.
type Info struct {
	// ID is unique for the lifetime of a query.
	ID string

	// RecordFile holds one serialized row per line.
	RecordFile string

	// IndexFile holds the sort key of line i of RecordFile on its line i.
	IndexFile string

	// Seq is assigned by the registry at registration time. Lower values were
	// registered earlier and win ties between equal keys.
	Seq uint64
}

func (i Info) String() string {
	return fmt.Sprintf("%s{%s, %s}", i.ID, filepath.Base(i.RecordFile), filepath.Base(i.IndexFile))
}

// Row is one record together with its sort key.
type Row struct {
	Key    string
	Record string
}

// ProducerPaths returns the record and index file paths for a producer batch.
func ProducerPaths(dir, id string) (record, index string) {
	return filepath.Join(dir, id+RecordSuffix), filepath.Join(dir, id+IndexSuffix)
}

// IntermediaryPaths returns the record and index file paths of a merged batch.
// Both names share the same timestamp.
func IntermediaryPaths(dir string, nanos int64) (record, index string) {
	stem := fmt.Sprintf("%s%d", intermediaryPrefix, nanos)
	return filepath.Join(dir, stem+RecordSuffix), filepath.Join(dir, stem+IndexSuffix)
}

// MergedID returns the registry id of an intermediary batch.
func MergedID(nanos int64) string {
	return fmt.Sprintf("%s%d", mergedIDPrefix, nanos)
}

// Stamper hands out strictly increasing nanosecond timestamps so that two merges
// finishing within the same clock tick never share file names.
type Stamper struct {
	last atomic.Int64
}

// Next returns max(now, previous+1).
func (s *Stamper) Next() int64 {
	for {
		prev := s.last.Load()
		now := time.Now().UnixNano()
		if now <= prev {
			now = prev + 1
		}
		if s.last.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// Remove deletes both backing files of a batch. Files that are already gone are
// not an error.
func Remove(info Info) error {
	return multierr.Combine(removeFile(info.RecordFile), removeFile(info.IndexFile))
}

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
