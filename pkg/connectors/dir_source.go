package connectors

import (
	"fmt"

	"github.com/sandboxws/batchmerge/pkg/batch"
	"github.com/sandboxws/batchmerge/pkg/operator"
)

// DirSource registers the complete batches already present in a chunk
// directory, in file-name order. Record files without an index are reported
// and left alone.
type DirSource struct {
	dir   string
	found int
}

// NewDirSource creates a source over dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (d *DirSource) Open(_ *operator.Context) error { return nil }

func (d *DirSource) Run(ctx *operator.Context, reg operator.Registrar) error {
	batches, orphans, err := batch.ScanDir(d.dir)
	if err != nil {
		return err
	}
	for _, path := range orphans {
		ctx.Logger.Warn("record file without index file", "path", path)
	}
	for _, info := range batches {
		if ctx.Ctx.Err() != nil {
			return nil
		}
		if _, err := reg.AddBatch(info); err != nil {
			return fmt.Errorf("dir source: %w", err)
		}
		d.found++
	}
	ctx.Logger.Info("chunk directory scanned", "dir", d.dir, "batches", d.found, "orphans", len(orphans))
	return nil
}

func (d *DirSource) Close() error { return nil }

// Found returns the number of batches registered.
func (d *DirSource) Found() int { return d.found }
