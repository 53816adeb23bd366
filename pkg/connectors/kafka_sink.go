package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	helpers "github.com/sandboxws/batchmerge/pkg/arrow/helpers"
	"github.com/sandboxws/batchmerge/pkg/operator"
)

// Kafka message encodings.
const (
	FormatRaw      = "raw"
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"
)

// producer is the subset of *kgo.Client the sink needs.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink produces every output row to a Kafka topic. Rows of parsed chunks
// are encoded as JSON objects or google.protobuf.Struct messages; unparsed
// chunks are sent as raw lines.
type KafkaSink struct {
	topic     string
	brokers   []string
	format    string
	keyColumn string

	client producer
	ctx    context.Context
}

// NewKafkaSink creates a Kafka sink connector. keyColumn, when set, keys each
// message by that column's value.
func NewKafkaSink(brokers []string, topic, format, keyColumn string) (*KafkaSink, error) {
	switch format {
	case "":
		format = FormatRaw
	case FormatRaw, FormatJSON, FormatProtobuf:
	default:
		return nil, fmt.Errorf("kafka sink: unknown format %q", format)
	}
	return &KafkaSink{
		topic:     topic,
		brokers:   brokers,
		format:    format,
		keyColumn: keyColumn,
	}, nil
}

func (k *KafkaSink) Open(ctx *operator.Context) error {
	k.ctx = ctx.Ctx
	if k.client != nil {
		return nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.brokers...),
		kgo.DefaultProduceTopic(k.topic),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("kafka sink: create client: %w", err)
	}
	k.client = client
	return nil
}

func (k *KafkaSink) WriteChunk(chunk operator.Chunk) error {
	if chunk.Header {
		return nil
	}
	recs := make([]*kgo.Record, 0, chunk.Len())
	if chunk.Record == nil || k.format == FormatRaw {
		for _, l := range chunk.Lines {
			recs = append(recs, &kgo.Record{Value: []byte(l)})
		}
	} else {
		for row := 0; row < int(chunk.Record.NumRows()); row++ {
			values := helpers.RowValues(chunk.Record, row)
			value, err := k.encode(values)
			if err != nil {
				return fmt.Errorf("kafka sink: encode row %d: %w", row, err)
			}
			rec := &kgo.Record{Value: value}
			if k.keyColumn != "" {
				if v := values[k.keyColumn]; v != nil {
					rec.Key = []byte(fmt.Sprint(v))
				}
			}
			recs = append(recs, rec)
		}
	}
	if err := k.client.ProduceSync(k.ctx, recs...).FirstErr(); err != nil {
		return fmt.Errorf("kafka sink: produce: %w", err)
	}
	return nil
}

func (k *KafkaSink) encode(values map[string]any) ([]byte, error) {
	if k.format == FormatJSON {
		return json.Marshal(values)
	}
	fields := make(map[string]any, len(values))
	for name, v := range values {
		// structpb has no timestamp or narrow numeric kinds.
		switch t := v.(type) {
		case time.Time:
			fields[name] = t.UTC().Format(time.RFC3339Nano)
		case int32:
			fields[name] = int64(t)
		default:
			fields[name] = v
		}
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (k *KafkaSink) Close() error {
	if k.client != nil {
		k.client.Close()
		k.client = nil
	}
	return nil
}
