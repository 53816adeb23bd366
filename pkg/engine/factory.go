package engine

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/batchmerge/internal/config"
	helpers "github.com/sandboxws/batchmerge/pkg/arrow/helpers"
	"github.com/sandboxws/batchmerge/pkg/connectors"
	"github.com/sandboxws/batchmerge/pkg/duckdb"
	"github.com/sandboxws/batchmerge/pkg/operator"
	"github.com/sandboxws/batchmerge/pkg/output"
)

// SourceFactory creates the batch producers of a run writing into chunkDir.
type SourceFactory func(cfg *config.Config, chunkDir string) ([]operator.Source, error)

// SinkFactory creates the sink of a run and the name it is reported under.
type SinkFactory func(cfg *config.Config) (operator.Sink, string, error)

// DefaultSources builds the producers named by cfg.Source. Every generator
// producer writes cfg.Source.Batches batches with its own seed.
func DefaultSources(cfg *config.Config, chunkDir string) ([]operator.Source, error) {
	switch cfg.Source.Type {
	case config.SourceDir:
		return []operator.Source{connectors.NewDirSource(chunkDir)}, nil
	case config.SourceGenerator:
		sources := make([]operator.Source, cfg.Source.Producers)
		for i := range sources {
			sources[i] = connectors.NewGenerator(connectors.GeneratorOptions{
				Dir:          chunkDir,
				OrderBy:      cfg.Order(),
				Batches:      cfg.Source.Batches,
				RowsPerBatch: cfg.Source.RowsPerBatch,
				Interval:     cfg.Source.Interval,
				Channels:     cfg.Source.Channels,
				Seed:         cfg.Source.Seed + uint64(i),
			})
		}
		return sources, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

// DefaultSink builds the sink named by cfg.Sink.
func DefaultSink(cfg *config.Config) (operator.Sink, string, error) {
	s := cfg.Sink
	switch s.Type {
	case config.SinkConsole:
		return connectors.NewConsole(s.MaxRows), s.Type, nil
	case config.SinkFile:
		return connectors.NewLineSink(s.Path), s.Type, nil
	case config.SinkKafka:
		k, err := connectors.NewKafkaSink(s.Brokers, s.Topic, s.Format, cfg.Filter.KeyColumn)
		if err != nil {
			return nil, "", err
		}
		return k, s.Type, nil
	case config.SinkDuckDB:
		return duckdb.NewSink(duckdb.SinkOptions{
			Path:        s.Path,
			Table:       s.Table,
			MemoryLimit: s.MemoryLimit,
		}), s.Type, nil
	default:
		return nil, "", fmt.Errorf("unknown sink type %q", s.Type)
	}
}

// outputSchema returns the parsed column schema, or nil when the rows are
// passed through untouched.
func outputSchema(cfg *config.Config) (*arrow.Schema, error) {
	cols := cfg.Columns()
	if len(cols) == 0 {
		return nil, nil
	}
	return helpers.SchemaFromSpecs(cols)
}

// buildFilters returns the output filters in application order: the where
// condition first, then changes-only.
func buildFilters(cfg *config.Config, schema *arrow.Schema, alloc memory.Allocator) ([]output.Filter, error) {
	var filters []output.Filter
	if cfg.Filter.Where != "" {
		w, err := output.NewWhere(cfg.Filter.Where, schema, alloc)
		if err != nil {
			return nil, fmt.Errorf("filter.where: %w", err)
		}
		filters = append(filters, w)
	}
	if cfg.ChangesOnly {
		c, err := output.NewChangesOnly(cfg.Filter.KeyColumn, cfg.Filter.ValueColumn, schema, alloc)
		if err != nil {
			return nil, err
		}
		filters = append(filters, c)
	}
	return filters, nil
}
