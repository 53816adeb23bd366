// Package config loads the settings of one merge run from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"

	helpers "github.com/sandboxws/batchmerge/pkg/arrow/helpers"
	"github.com/sandboxws/batchmerge/pkg/batch"
)

// Sink types.
const (
	SinkConsole = "console"
	SinkFile    = "file"
	SinkKafka   = "kafka"
	SinkDuckDB  = "duckdb"
)

// Source types.
const (
	SourceDir       = "dir"
	SourceGenerator = "generator"
)

// Config describes one aggregate fetch: where the producer batches live, how
// they are merged, and where the result stream goes.
type Config struct {
	OrderBy       string `yaml:"order_by"`
	ChunkDir      string `yaml:"chunk_dir"`
	KeepTempFiles bool   `yaml:"keep_temp_files"`

	GroupSize       int `yaml:"group_size"`
	MaxOpenBatches  int `yaml:"max_open_batches"`
	OutputChunkSize int `yaml:"output_chunk_size"`
	OutputQueueSize int `yaml:"output_queue_size"`
	ParallelThreads int `yaml:"parallel_threads"`

	ForwardPollInterval    time.Duration `yaml:"forward_poll_interval"`
	ReducePollInterval     time.Duration `yaml:"reduce_poll_interval"`
	FinalMergePollInterval time.Duration `yaml:"final_merge_poll_interval"`

	// Header is written once before the first row, Trailer once after the
	// last row of a successful run.
	Header      string       `yaml:"header"`
	Trailer     string       `yaml:"trailer"`
	ChangesOnly bool         `yaml:"changes_only"`
	Filter      FilterConfig `yaml:"filter"`

	Source SourceConfig `yaml:"source"`
	Sink   SinkConfig   `yaml:"sink"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// FilterConfig describes the output columns and the row filters applied to them.
type FilterConfig struct {
	Where       string       `yaml:"where"`
	Columns     []ColumnSpec `yaml:"columns"`
	KeyColumn   string       `yaml:"key_column"`
	ValueColumn string       `yaml:"value_column"`
}

// ColumnSpec is one CSV column of the output rows.
type ColumnSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// SourceConfig selects the batch producers.
type SourceConfig struct {
	Type string `yaml:"type"`

	// Generator settings.
	Producers    int           `yaml:"producers"`
	Batches      int           `yaml:"batches"`
	RowsPerBatch int           `yaml:"rows_per_batch"`
	Interval     time.Duration `yaml:"interval"`
	Channels     int           `yaml:"channels"`
	Seed         uint64        `yaml:"seed"`
}

// SinkConfig selects where the result stream goes.
type SinkConfig struct {
	Type string `yaml:"type"`

	// Console.
	MaxRows int `yaml:"max_rows"`

	// File and DuckDB.
	Path string `yaml:"path"`

	// Kafka.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Format  string   `yaml:"format"`

	// DuckDB.
	Table       string `yaml:"table"`
	MemoryLimit int64  `yaml:"memory_limit"`
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	return &Config{
		GroupSize:              4,
		MaxOpenBatches:         20,
		OutputChunkSize:        500_000,
		OutputQueueSize:        16,
		ParallelThreads:        runtime.NumCPU(),
		ForwardPollInterval:    time.Second,
		ReducePollInterval:     500 * time.Millisecond,
		FinalMergePollInterval: 500 * time.Millisecond,
		Source: SourceConfig{
			Type:         SourceDir,
			Producers:    1,
			Batches:      10,
			RowsPerBatch: 1000,
			Channels:     16,
		},
		Sink:     SinkConfig{Type: SinkConsole},
		LogLevel: "info",
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults unvalidated so that flags can complete them.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// Order returns the parsed order-by type.
func (c *Config) Order() batch.OrderBy {
	o, _ := batch.ParseOrderBy(c.OrderBy)
	return o
}

// Columns returns the output column specs.
func (c *Config) Columns() []helpers.ColumnSpec {
	if len(c.Filter.Columns) == 0 {
		return nil
	}
	out := make([]helpers.ColumnSpec, len(c.Filter.Columns))
	for i, col := range c.Filter.Columns {
		out[i] = helpers.ColumnSpec{Name: col.Name, Type: col.Type}
	}
	return out
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := batch.ParseOrderBy(c.OrderBy); err != nil {
		add("order_by: %v", err)
	}
	if c.GroupSize < 2 {
		add("group_size must be at least 2, got %d", c.GroupSize)
	}
	if c.MaxOpenBatches < 0 {
		add("max_open_batches must not be negative")
	}
	if c.OutputChunkSize <= 0 {
		add("output_chunk_size must be positive")
	}
	if c.OutputQueueSize <= 0 {
		add("output_queue_size must be positive")
	}
	if c.ParallelThreads <= 0 {
		add("parallel_threads must be positive")
	}
	for name, d := range map[string]time.Duration{
		"forward_poll_interval":     c.ForwardPollInterval,
		"reduce_poll_interval":      c.ReducePollInterval,
		"final_merge_poll_interval": c.FinalMergePollInterval,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.LogLevel != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
			add("log_level: unknown level %q", c.LogLevel)
		}
	}

	errs = append(errs, c.validateFilter()...)
	errs = append(errs, c.validateSource()...)
	errs = append(errs, c.validateSink()...)
	return errors.Join(errs...)
}

func (c *Config) validateFilter() []error {
	var errs []error
	f := c.Filter
	if len(f.Columns) > 0 {
		if _, err := helpers.SchemaFromSpecs(c.Columns()); err != nil {
			errs = append(errs, fmt.Errorf("filter.columns: %w", err))
		}
	}
	if strings.TrimSpace(f.Where) != "" && len(f.Columns) == 0 {
		errs = append(errs, fmt.Errorf("filter.where needs filter.columns"))
	}
	if c.ChangesOnly {
		if f.KeyColumn == "" || f.ValueColumn == "" {
			errs = append(errs, fmt.Errorf("changes_only needs filter.key_column and filter.value_column"))
		}
		for _, name := range []string{f.KeyColumn, f.ValueColumn} {
			if name != "" && !c.hasColumn(name) {
				errs = append(errs, fmt.Errorf("changes_only: column %q not in filter.columns", name))
			}
		}
	}
	return errs
}

func (c *Config) hasColumn(name string) bool {
	for _, col := range c.Filter.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

func (c *Config) validateSource() []error {
	var errs []error
	switch c.Source.Type {
	case SourceDir:
		if c.ChunkDir == "" {
			errs = append(errs, fmt.Errorf("source dir needs chunk_dir"))
		}
	case SourceGenerator:
		if c.Source.Producers < 1 {
			errs = append(errs, fmt.Errorf("source.producers must be at least 1"))
		}
		if c.Source.Batches < 0 || c.Source.RowsPerBatch < 0 {
			errs = append(errs, fmt.Errorf("source.batches and source.rows_per_batch must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.type: unknown type %q", c.Source.Type))
	}
	return errs
}

func (c *Config) validateSink() []error {
	var errs []error
	s := c.Sink
	switch s.Type {
	case SinkConsole, SinkFile:
	case SinkKafka:
		if len(s.Brokers) == 0 || s.Topic == "" {
			errs = append(errs, fmt.Errorf("kafka sink needs sink.brokers and sink.topic"))
		}
		switch s.Format {
		case "", "raw":
		case "json", "protobuf":
			if len(c.Filter.Columns) == 0 {
				errs = append(errs, fmt.Errorf("kafka format %q needs filter.columns", s.Format))
			}
		default:
			errs = append(errs, fmt.Errorf("sink.format: unknown format %q", s.Format))
		}
	case SinkDuckDB:
		if len(c.Filter.Columns) == 0 {
			errs = append(errs, fmt.Errorf("duckdb sink needs filter.columns"))
		}
	default:
		errs = append(errs, fmt.Errorf("sink.type: unknown type %q", s.Type))
	}
	return errs
}
