package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"sensorwatch/internal/broadcast"
	"sensorwatch/internal/config"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
)

var (
	ErrProducerClosed = errors.New("producer is closed")
	ErrEmptyPayload   = errors.New("event has no payload")
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer exports hub events to one Kafka topic. Writes go through a small
// pool of writers and are retried with exponential backoff.
type Producer struct {
	brokers []string
	topic   string
	retries int
	backoff time.Duration

	writers []messageWriter
	idle    chan messageWriter
	closed  atomic.Bool

	sent   atomic.Uint64
	failed atomic.Uint64
	bytes  atomic.Uint64
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// NewProducer creates a producer for topic. No connection is made until the
// first write.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	size := cfg.PoolSize
	if size <= 0 {
		size = 4
	}
	writers := make([]messageWriter, size)
	for i := range writers {
		writers[i] = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  getCompression(cfg.Compression),
			// retries are driven by write
			MaxAttempts: 1,
		}
	}

	return newProducer(brokers, topic, cfg, writers), nil
}

func newProducer(brokers []string, topic string, cfg config.ProducerConfig, writers []messageWriter) *Producer {
	p := &Producer{
		brokers: brokers,
		topic:   topic,
		retries: max(cfg.MaxRetries, 0),
		backoff: cfg.RetryBackoff,
		writers: writers,
		idle:    make(chan messageWriter, len(writers)),
	}
	if p.backoff <= 0 {
		p.backoff = 100 * time.Millisecond
	}
	for _, w := range writers {
		p.idle <- w
	}
	return p
}

func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// toMessage keys event by its channel so one channel stays on one partition
func toMessage(event broadcast.Message, at time.Time) kafka.Message {
	return kafka.Message{
		Key:   []byte(event.Key),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(event.Event)},
			{Key: "source", Value: []byte("sensorwatch")},
		},
		Time: at,
	}
}

// PublishBatch writes events in one request. Events without a payload are
// skipped and counted as failed; a batch with nothing left is a no-op.
func (p *Producer) PublishBatch(ctx context.Context, events []broadcast.Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		if len(event.Payload) == 0 {
			logger.WithComponent("kafka_producer").Warn().
				Str("event", event.Event).
				Str("key", event.Key).
				Err(ErrEmptyPayload).
				Msg("skipping event")
			p.countFailed(1)
			continue
		}
		msgs = append(msgs, toMessage(event, now))
	}
	if len(msgs) == 0 {
		return nil
	}

	var w messageWriter
	select {
	case w = <-p.idle:
		defer func() { p.idle <- w }()
	case <-ctx.Done():
		p.countFailed(len(msgs))
		return ctx.Err()
	}

	start := time.Now()
	err := p.write(ctx, w, msgs)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.countFailed(len(msgs))
		return err
	}

	var n int
	for _, m := range msgs {
		n += len(m.Value)
	}
	p.sent.Add(uint64(len(msgs)))
	p.bytes.Add(uint64(n))
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(msgs)))
	metrics.KafkaBytesWritten.Add(float64(n))
	return nil
}

// write tries msgs once plus p.retries times, doubling the wait each time.
// Context errors end the loop early.
func (p *Producer) write(ctx context.Context, w messageWriter, msgs []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	wait := p.backoff

	var err error
	for attempt := 0; ; attempt++ {
		if err = w.WriteMessages(ctx, msgs...); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == p.retries {
			break
		}

		log.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("batch_size", len(msgs)).
			Dur("backoff", wait).
			Msg("kafka write failed, retrying")
		metrics.KafkaPublishRetries.Inc()

		select {
		case <-time.After(wait):
			wait *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Error().Err(err).
		Str("topic", p.topic).
		Int("batch_size", len(msgs)).
		Msg("kafka write gave up")
	return fmt.Errorf("write %d messages after %d attempts: %w", len(msgs), p.retries+1, err)
}

func (p *Producer) countFailed(n int) {
	p.failed.Add(uint64(n))
	metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(n))
}

// Close closes every writer, flushing what they hold. Later calls are no-ops.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.sent.Load(),
		MessagesFailed: p.failed.Load(),
		BytesWritten:   p.bytes.Load(),
	}
}

// HealthCheck dials the brokers until one answers.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	var err error
	for _, broker := range p.brokers {
		var conn *kafka.Conn
		if conn, err = kafka.DialContext(ctx, "tcp", broker); err == nil {
			return conn.Close()
		}
	}
	return fmt.Errorf("no kafka broker reachable: %w", err)
}
