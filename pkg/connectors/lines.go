package connectors

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"

	"github.com/sandboxws/batchmerge/pkg/operator"
)

// LineSink writes every row, header included, as one line to a file or to
// stdout.
type LineSink struct {
	path string
	f    *os.File
	w    *bufio.Writer
	out  io.Writer
	rows int64
}

// NewLineSink creates a sink writing to path. An empty path or "-" means stdout.
func NewLineSink(path string) *LineSink {
	return &LineSink{path: path}
}

func (s *LineSink) Open(ctx *operator.Context) error {
	out := s.out
	if out == nil {
		if s.path == "" || s.path == "-" {
			out = os.Stdout
		} else {
			f, err := os.Create(s.path)
			if err != nil {
				return fmt.Errorf("line sink: %w", err)
			}
			s.f = f
			out = f
		}
	}
	s.w = bufio.NewWriterSize(out, 256*1024)
	if ctx != nil {
		ctx.Logger.Debug("line sink opened", "path", s.path)
	}
	return nil
}

func (s *LineSink) WriteChunk(chunk operator.Chunk) error {
	for _, l := range chunk.Lines {
		if _, err := s.w.WriteString(l); err != nil {
			return fmt.Errorf("line sink: %w", err)
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return fmt.Errorf("line sink: %w", err)
		}
	}
	if !chunk.Header {
		s.rows += int64(chunk.Len())
	}
	return nil
}

// Rows returns the number of data rows written.
func (s *LineSink) Rows() int64 { return s.rows }

func (s *LineSink) Close() error {
	var err error
	if s.w != nil {
		err = s.w.Flush()
	}
	if s.f != nil {
		err = multierr.Append(err, s.f.Close())
		s.f = nil
	}
	if err != nil {
		return fmt.Errorf("line sink: %w", err)
	}
	return nil
}
