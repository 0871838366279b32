package kafka

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"sensorwatch/internal/config"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/models"
)

// TransportName labels envelopes read from Kafka.
const TransportName = "kafka"

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads telemetry from Kafka topics as a consumer group member.
// An offset is committed only once its message is on the pipeline queue.
type Consumer struct {
	reader messageReader
	topics []string
	retry  time.Duration
}

// NewConsumer creates a consumer for topics. Kafka topic names use "." as
// separator, e.g. "client1.temperature".
func NewConsumer(cfg config.KafkaConfig, topics []string) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group id is required")
	}
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    topics,
		MinBytes:       cfg.Consumer.MinBytes,
		MaxBytes:       cfg.Consumer.MaxBytes,
		MaxWait:        cfg.Consumer.MaxWait,
		CommitInterval: cfg.Consumer.CommitInterval,
		StartOffset:    kafka.LastOffset,
	})

	return &Consumer{reader: reader, topics: topics, retry: time.Second}, nil
}

func (c *Consumer) Name() string { return TransportName }

// Start reads messages into out until ctx is cancelled. Sends block, so a
// full pipeline applies back-pressure to the reader.
func (c *Consumer) Start(ctx context.Context, out chan<- *models.Envelope) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Strs("topics", c.topics).Msg("kafka consumer started")

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.Error().Err(err).Dur("retry_in", c.retry).Msg("kafka fetch failed")
			select {
			case <-time.After(c.retry):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		env := models.NewEnvelope(TransportName, m.Topic, m.Value)
		select {
		case out <- env:
		case <-ctx.Done():
			// not queued, so not committed: redelivered after restart
			return nil
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Error().Err(err).
				Str("topic", m.Topic).
				Int("partition", m.Partition).
				Int64("offset", m.Offset).
				Msg("kafka commit failed")
		}
	}
}

// Close closes the reader and commits pending offsets.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
