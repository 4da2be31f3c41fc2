package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/banshee-data/livox.relay/internal/lidar/relay"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Queue   int
	Codec   Codec
	Retry   RetryPolicy
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each frame as one message keyed by broadcast code, so
// a device's frames stay ordered within a partition.
type KafkaSink struct {
	*worker
	cfg    KafkaConfig
	writer kafkaWriter
}

// NewKafkaSink checks that a broker is reachable, retrying per cfg.Retry,
// then builds the writer.
func NewKafkaSink(ctx context.Context, cfg KafkaConfig, m *Metrics) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink needs brokers and a topic")
	}
	err := connect(ctx, "kafka", cfg.Retry, func(ctx context.Context) error {
		conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("kafka connect %s: %w", cfg.Brokers[0], err)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaSink(cfg, w, m), nil
}

func newKafkaSink(cfg KafkaConfig, w kafkaWriter, m *Metrics) *KafkaSink {
	if cfg.Codec == nil {
		cfg.Codec = BinaryCodec
	}
	s := &KafkaSink{cfg: cfg, writer: w}
	s.worker = newWorker("kafka", cfg.Queue, s.deliver, m)
	return s
}

func (s *KafkaSink) deliver(ctx context.Context, f *relay.Frame) error {
	payload, err := s.cfg.Codec.Encode(f)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(f.BroadcastCode),
		Value: payload,
		Time:  f.Timestamp,
		Headers: []kafka.Header{
			{Key: "frame_id", Value: []byte(f.FrameID)},
			{Key: "seq", Value: []byte(strconv.FormatUint(f.Seq, 10))},
			{Key: "codec", Value: []byte(s.cfg.Codec.Name())},
		},
	})
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
