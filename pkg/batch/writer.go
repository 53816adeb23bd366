package batch

import (
	"bufio"
	"fmt"
	"os"

	"go.uber.org/multierr"
)

// Writer accepts serialized lines for one file.
type Writer interface {
	WriteLine(line string) error
	Close() error
}

// WriterFactory creates a Writer for a target path.
type WriterFactory interface {
	Create(path string) (Writer, error)
}

// FileWriters creates buffered newline-delimited files.
type FileWriters struct{}

// Create truncates or creates path.
func (FileWriters) Create(path string) (Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &fileWriter{f: f, w: bufio.NewWriterSize(f, 256*1024), path: path}, nil
}

type fileWriter struct {
	f    *os.File
	w    *bufio.Writer
	path string
}

func (fw *fileWriter) WriteLine(line string) error {
	if _, err := fw.w.WriteString(line); err != nil {
		return fmt.Errorf("write %s: %w", fw.path, err)
	}
	if err := fw.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write %s: %w", fw.path, err)
	}
	return nil
}

func (fw *fileWriter) Close() error {
	if fw.f == nil {
		return nil
	}
	err := multierr.Combine(fw.w.Flush(), fw.f.Close())
	fw.f = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", fw.path, err)
	}
	return nil
}

// PairWriter keeps a record file and its index file in step.
type PairWriter struct {
	info    Info
	records Writer
	index   Writer
	rows    int64
}

// CreatePair opens writers for both files of info.
func CreatePair(f WriterFactory, info Info) (*PairWriter, error) {
	records, err := f.Create(info.RecordFile)
	if err != nil {
		return nil, err
	}
	index, err := f.Create(info.IndexFile)
	if err != nil {
		return nil, multierr.Append(err, records.Close())
	}
	return &PairWriter{info: info, records: records, index: index}, nil
}

// Write appends one record and its key.
func (p *PairWriter) Write(key, record string) error {
	if err := p.records.WriteLine(record); err != nil {
		return err
	}
	if err := p.index.WriteLine(key); err != nil {
		return err
	}
	p.rows++
	return nil
}

// Rows returns the number of rows written so far.
func (p *PairWriter) Rows() int64 { return p.rows }

// Info returns the batch being written.
func (p *PairWriter) Info() Info { return p.info }

// Close flushes and closes both files.
func (p *PairWriter) Close() error {
	return multierr.Combine(p.records.Close(), p.index.Close())
}

// WriteRows writes a complete batch. Rows must already be sorted by key when the
// batch is meant for an ordered merge.
func WriteRows(f WriterFactory, info Info, rows []Row) error {
	pw, err := CreatePair(f, info)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := pw.Write(r.Key, r.Record); err != nil {
			return multierr.Append(err, pw.Close())
		}
	}
	return pw.Close()
}
