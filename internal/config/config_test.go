package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/batchmerge/pkg/batch"
)

const fullYAML = `
order_by: scet
chunk_dir: /var/tmp/chunks
keep_temp_files: true
group_size: 8
max_open_batches: 32
output_chunk_size: 1000
parallel_threads: 2
reduce_poll_interval: 50ms
header: "scet,channel_id,dn"
trailer: "# end"
changes_only: true
filter:
  where: "dn > 100"
  key_column: channel_id
  value_column: dn
  columns:
    - {name: scet, type: timestamp}
    - {name: channel_id}
    - {name: dn, type: int64}
sink:
  type: kafka
  brokers: [localhost:9092]
  topic: telemetry
  format: json
log_level: debug
`

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, batch.OrderSCET, cfg.Order())
	assert.Equal(t, "/var/tmp/chunks", cfg.ChunkDir)
	assert.True(t, cfg.KeepTempFiles)
	assert.Equal(t, 8, cfg.GroupSize)
	assert.Equal(t, 32, cfg.MaxOpenBatches)
	assert.Equal(t, 50*time.Millisecond, cfg.ReducePollInterval)
	assert.Equal(t, time.Second, cfg.ForwardPollInterval, "unset fields keep defaults")
	assert.Equal(t, 16, cfg.OutputQueueSize)
	assert.Equal(t, "# end", cfg.Trailer)
	assert.Len(t, cfg.Columns(), 3)
	assert.Equal(t, "int64", cfg.Columns()[2].Type)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Sink.Brokers)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("order_by: ert\ngroupsize: 3\n"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4, cfg.GroupSize)
	assert.Equal(t, 20, cfg.MaxOpenBatches)
	assert.Equal(t, 500_000, cfg.OutputChunkSize)
	assert.Equal(t, batch.OrderNone, cfg.Order())
	assert.Equal(t, slog.LevelInfo, cfg.Level())

	assert.ErrorContains(t, cfg.Validate(), "chunk_dir", "dir source needs a directory")
	cfg.ChunkDir = t.TempDir()
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"order by", func(c *Config) { c.OrderBy = "sideways" }, "order_by"},
		{"group size", func(c *Config) { c.GroupSize = 1 }, "group_size"},
		{"chunk size", func(c *Config) { c.OutputChunkSize = 0 }, "output_chunk_size"},
		{"poll interval", func(c *Config) { c.FinalMergePollInterval = 0 }, "final_merge_poll_interval"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"where without columns", func(c *Config) { c.Filter.Where = "dn > 1" }, "filter.where"},
		{"changes only without key", func(c *Config) { c.ChangesOnly = true }, "key_column"},
		{"changes only unknown column", func(c *Config) {
			c.ChangesOnly = true
			c.Filter.Columns = []ColumnSpec{{Name: "dn"}}
			c.Filter.KeyColumn, c.Filter.ValueColumn = "channel_id", "dn"
		}, `"channel_id"`},
		{"bad column type", func(c *Config) { c.Filter.Columns = []ColumnSpec{{Name: "dn", Type: "blob"}} }, "filter.columns"},
		{"unknown sink", func(c *Config) { c.Sink.Type = "s3" }, "sink.type"},
		{"kafka without topic", func(c *Config) { c.Sink = SinkConfig{Type: SinkKafka, Brokers: []string{"b"}} }, "sink.topic"},
		{"kafka json without columns", func(c *Config) {
			c.Sink = SinkConfig{Type: SinkKafka, Brokers: []string{"b"}, Topic: "t", Format: "json"}
		}, "filter.columns"},
		{"duckdb without columns", func(c *Config) { c.Sink.Type = SinkDuckDB }, "duckdb"},
		{"unknown source", func(c *Config) { c.Source.Type = "ftp" }, "source.type"},
		{"generator without producers", func(c *Config) {
			c.Source.Type = SourceGenerator
			c.Source.Producers = 0
		}, "source.producers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ChunkDir = "/tmp/chunks"
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.GroupSize = 0
	cfg.ParallelThreads = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "group_size")
	assert.ErrorContains(t, err, "parallel_threads")
	assert.ErrorContains(t, err, "chunk_dir")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("order_by: ert\nsource: {type: generator, producers: 3}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, batch.OrderERT, cfg.Order())
	assert.Equal(t, 3, cfg.Source.Producers)
	assert.Equal(t, 1000, cfg.Source.RowsPerBatch, "nested defaults survive")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
