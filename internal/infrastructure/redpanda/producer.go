// Package redpanda publishes medication and follow-up events to a
// Kafka-compatible broker with franz-go.
package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telecare/telemed/internal/config"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// Compression is one of lz4, snappy, gzip, zstd or none
	Compression string
	// RequiredAcks sets the required acks level (-1 for all, 1 for leader)
	RequiredAcks int16
	// MaxRetries is the maximum number of retries for failed sends
	MaxRetries     int
	RetryBackoffMS int64
}

// DefaultProducerConfig returns durable defaults for event relay.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		ClientID:       "telemed",
		LingerMS:       10,
		Compression:    "lz4",
		RequiredAcks:   -1,
		MaxRetries:     3,
		RetryBackoffMS: 100,
	}
}

// ProducerConfigFrom applies application Kafka settings to the defaults.
func ProducerConfigFrom(cfg config.KafkaConfig) ProducerConfig {
	pc := DefaultProducerConfig()
	if len(cfg.Brokers) > 0 {
		pc.Brokers = cfg.Brokers
	}
	if cfg.ClientID != "" {
		pc.ClientID = cfg.ClientID
	}
	return pc
}

// Producer publishes records to Redpanda. It satisfies the outbox
// publisher interface.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	messagesSent atomic.Int64
	bytesSent    atomic.Int64
	errorCount   atomic.Int64
}

// NewProducer creates a producer. Brokers are contacted lazily.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts, err := producerOpts(cfg)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

func producerOpts(cfg ProducerConfig) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	switch cfg.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("unsupported required acks %d", cfg.RequiredAcks)
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	case "", "none":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.NoCompression()))
	default:
		return nil, fmt.Errorf("unsupported compression %q", cfg.Compression)
	}
	return opts, nil
}

// Publish sends one record and waits for the broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("value_size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	injectTraceHeaders(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.errorCount.Add(1)
		span.RecordError(err)
		p.logger.Error("failed to produce message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.messagesSent.Add(1)
	p.bytesSent.Add(int64(len(value)))
	p.logger.Debug("message produced",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}

	p.client.Close()
	return nil
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	ErrorCount   int64
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: p.messagesSent.Load(),
		BytesSent:    p.bytesSent.Load(),
		ErrorCount:   p.errorCount.Load(),
	}
}

// headerCarrier adapts record headers to the OpenTelemetry propagator.
type headerCarrier struct {
	record *kgo.Record
}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.record.Headers {
		if h.Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.record.Headers))
	for _, h := range c.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier{}

// injectTraceHeaders adds the trace context of ctx to record headers.
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	propagation.TraceContext{}.Inject(ctx, headerCarrier{record: record})
}
