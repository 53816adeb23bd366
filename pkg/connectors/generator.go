// Package connectors implements the sources that produce batch files and the
// sinks that consume the merged result stream.
package connectors

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxws/batchmerge/pkg/batch"
	"github.com/sandboxws/batchmerge/pkg/operator"
)

// TelemetryHeader names the columns of generated records.
const TelemetryHeader = "ert,scet,sclk,channel_id,module,dn,eu"

const tsLayout = "2006-002T15:04:05.000"

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	// Dir receives the batch files.
	Dir string

	OrderBy batch.OrderBy

	// Batches is the number of batches to write. RowsPerBatch rows each; a
	// zero row count exercises the empty-batch path.
	Batches      int
	RowsPerBatch int

	// Interval is the pause between batches.
	Interval time.Duration

	Channels int
	Seed     uint64
	Start    time.Time

	Writers batch.WriterFactory
}

// Generator writes synthetic telemetry batches, each sorted by the query's
// order-by key, and registers them.
type Generator struct {
	opts GeneratorOptions
	rng  *rand.Rand

	written int
	rows    int64
}

// NewGenerator creates a Generator source.
func NewGenerator(opts GeneratorOptions) *Generator {
	if opts.Channels <= 0 {
		opts.Channels = 16
	}
	if opts.Start.IsZero() {
		opts.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if opts.Writers == nil {
		opts.Writers = batch.FileWriters{}
	}
	return &Generator{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, 0)),
	}
}

func (g *Generator) Open(_ *operator.Context) error {
	if g.opts.Dir == "" {
		return fmt.Errorf("generator: no output directory")
	}
	return nil
}

func (g *Generator) Run(ctx *operator.Context, reg operator.Registrar) error {
	logger := ctx.Logger.With("source", "generator")
	for i := 0; i < g.opts.Batches; i++ {
		if i > 0 && g.opts.Interval > 0 {
			t := time.NewTimer(g.opts.Interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		if ctx.Ctx.Err() != nil {
			return nil
		}

		id := reg.NewBatchID()
		rows := g.batchRows(g.opts.RowsPerBatch)
		if len(rows) == 0 {
			reg.DiscardBatchID(id)
			continue
		}

		record, index := batch.ProducerPaths(g.opts.Dir, id)
		info := batch.Info{ID: id, RecordFile: record, IndexFile: index}
		if err := batch.WriteRows(g.opts.Writers, info, rows); err != nil {
			reg.DiscardBatchID(id)
			_ = batch.Remove(info)
			return fmt.Errorf("generator: write %s: %w", id, err)
		}
		if _, err := reg.AddBatch(info); err != nil {
			_ = batch.Remove(info)
			return fmt.Errorf("generator: %w", err)
		}

		g.written++
		g.rows += int64(len(rows))
		ctx.Metrics.ChunksProcessed.Add(1)
		ctx.Metrics.RowsProcessed.Add(int64(len(rows)))
		logger.Debug("batch written", "batch", id, "rows", len(rows))
	}
	logger.Info("generator finished", "batches", g.written, "rows", g.rows)
	return nil
}

func (g *Generator) Close() error { return nil }

// Written returns the number of batches registered.
func (g *Generator) Written() int { return g.written }

// telemetry is one generated sample.
type telemetry struct {
	ert     time.Time
	scet    time.Time
	sclk    float64
	channel string
	module  string
	dn      int64
	eu      float64
}

func (g *Generator) batchRows(n int) []batch.Row {
	samples := make([]telemetry, n)
	for i := range samples {
		offset := time.Duration(g.rng.Int64N(int64(24 * time.Hour)))
		offset = offset.Truncate(time.Millisecond)
		ch := g.rng.IntN(g.opts.Channels)
		dn := g.rng.Int64N(4096)
		scet := g.opts.Start.Add(offset)
		samples[i] = telemetry{
			ert:     scet.Add(time.Duration(8+g.rng.IntN(20)) * time.Minute),
			scet:    scet,
			sclk:    float64(scet.Sub(g.opts.Start).Milliseconds()) / 1000,
			channel: fmt.Sprintf("C-%04d", ch),
			module:  fmt.Sprintf("M%02d", ch%8),
			dn:      dn,
			eu:      float64(dn) * 0.125,
		}
	}

	rows := make([]batch.Row, n)
	for i, s := range samples {
		rows[i] = batch.Row{Key: sortKey(g.opts.OrderBy, s), Record: s.csv()}
	}
	slices.SortStableFunc(rows, func(a, b batch.Row) int { return strings.Compare(a.Key, b.Key) })
	return rows
}

func (s telemetry) csv() string {
	return strings.Join([]string{
		s.ert.Format(tsLayout),
		s.scet.Format(tsLayout),
		strconv.FormatFloat(s.sclk, 'f', 3, 64),
		s.channel,
		s.module,
		strconv.FormatInt(s.dn, 10),
		strconv.FormatFloat(s.eu, 'f', 3, 64),
	}, ",")
}

// sortKey formats the key of s so that byte order equals the requested order.
func sortKey(order batch.OrderBy, s telemetry) string {
	switch order {
	case batch.OrderSCET, batch.OrderLST:
		return s.scet.Format(tsLayout)
	case batch.OrderSCLK:
		return fmt.Sprintf("%016.3f", s.sclk)
	case batch.OrderChannelID:
		return s.channel + "|" + s.ert.Format(tsLayout)
	case batch.OrderModule:
		return s.module + "|" + s.ert.Format(tsLayout)
	default:
		return s.ert.Format(tsLayout)
	}
}
