package batch

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const maxLineSize = 16 * 1024 * 1024

// RecordReader is a forward-only sequence of serialized rows.
type RecordReader interface {
	// Next returns the next row, or false when the batch is exhausted or an
	// error occurred. Check Err after Next returns false.
	Next() (string, bool)
	Err() error
	Close() error
}

// IndexReader is a forward-only sequence of sort keys, one per record of the
// same batch and in the same order.
type IndexReader interface {
	Next() (IndexItem, bool)
	Err() error
	Close() error
}

// RecordReaderFactory opens the record sequence of a batch.
type RecordReaderFactory interface {
	OpenRecords(id string) (RecordReader, error)
}

// IndexReaderFactory opens the index sequence of a batch.
type IndexReaderFactory interface {
	OpenIndex(id string) (IndexReader, error)
}

// Locator resolves batch ids to their files. The registry implements it.
type Locator interface {
	Batch(id string) (Info, bool)
}

// FileReaders opens newline-delimited record and index files. It implements both
// reader factories.
type FileReaders struct {
	locator Locator
}

// NewFileReaders creates file-backed reader factories that resolve ids through loc.
func NewFileReaders(loc Locator) *FileReaders {
	return &FileReaders{locator: loc}
}

// OpenRecords opens the record file of a batch.
func (f *FileReaders) OpenRecords(id string) (RecordReader, error) {
	info, ok := f.locator.Batch(id)
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	lr, err := openLines(id, info.RecordFile)
	if err != nil {
		return nil, err
	}
	return &recordReader{lines: lr}, nil
}

// OpenIndex opens the index file of a batch.
func (f *FileReaders) OpenIndex(id string) (IndexReader, error) {
	info, ok := f.locator.Batch(id)
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	lr, err := openLines(id, info.IndexFile)
	if err != nil {
		return nil, err
	}
	return &indexReader{lines: lr, id: id, seq: info.Seq}, nil
}

// lineReader reads one line per call from a file.
type lineReader struct {
	f       *os.File
	scanner *bufio.Scanner
	path    string
}

func openLines(id, path string) (*lineReader, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{ID: id, Path: path, Err: err}
		}
		return nil, fmt.Errorf("open batch %s: %w", id, err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &lineReader{f: f, scanner: sc, path: path}, nil
}

func (l *lineReader) next() (string, bool) {
	if !l.scanner.Scan() {
		return "", false
	}
	return l.scanner.Text(), true
}

func (l *lineReader) err() error {
	if err := l.scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", l.path, err)
	}
	return nil
}

func (l *lineReader) close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

type recordReader struct {
	lines *lineReader
}

func (r *recordReader) Next() (string, bool) { return r.lines.next() }
func (r *recordReader) Err() error           { return r.lines.err() }
func (r *recordReader) Close() error         { return r.lines.close() }

type indexReader struct {
	lines *lineReader
	id    string
	seq   uint64
}

func (r *indexReader) Next() (IndexItem, bool) {
	key, ok := r.lines.next()
	if !ok {
		return IndexItem{}, false
	}
	return IndexItem{BatchID: r.id, Key: key, Seq: r.seq}, true
}

func (r *indexReader) Err() error   { return r.lines.err() }
func (r *indexReader) Close() error { return r.lines.close() }
