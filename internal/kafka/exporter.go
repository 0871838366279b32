package kafka

import (
	"context"
	"sync"
	"time"

	"sensorwatch/internal/broadcast"
	"sensorwatch/internal/logger"
)

// BatchPublisher writes a batch of events.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, events []broadcast.Message) error
}

// Subscriber hands out hub subscriptions.
type Subscriber interface {
	Subscribe(events ...string) *broadcast.Subscription
	Unsubscribe(s *broadcast.Subscription)
}

// ExporterConfig holds exporter configuration
type ExporterConfig struct {
	Publisher    BatchPublisher
	Hub          Subscriber
	Events       []string
	BatchSize    int
	BatchTimeout time.Duration
}

// Exporter is a hub observer that forwards events to Kafka in batches.
// Being an ordinary observer it may drop events when Kafka falls behind.
type Exporter struct {
	publisher    BatchPublisher
	hub          Subscriber
	events       []string
	batchSize    int
	batchTimeout time.Duration

	sub  *broadcast.Subscription
	wg   sync.WaitGroup
	once sync.Once
}

// NewExporter creates an exporter. It exports new_alert and alert_count
// events unless Events is set.
func NewExporter(cfg ExporterConfig) *Exporter {
	if len(cfg.Events) == 0 {
		cfg.Events = []string{broadcast.EventNewAlert, broadcast.EventAlertCount}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}
	return &Exporter{
		publisher:    cfg.Publisher,
		hub:          cfg.Hub,
		events:       cfg.Events,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
	}
}

// Start subscribes to the hub and begins forwarding.
func (e *Exporter) Start() {
	e.sub = e.hub.Subscribe(e.events...)
	e.wg.Add(1)
	go e.run()

	logger.WithComponent("kafka_exporter").Info().
		Strs("events", e.events).
		Int("batch_size", e.batchSize).
		Dur("batch_timeout", e.batchTimeout).
		Msg("kafka exporter started")
}

// Stop unsubscribes, flushes what is buffered and waits for the loop to end.
func (e *Exporter) Stop() {
	e.once.Do(func() {
		if e.sub != nil {
			e.hub.Unsubscribe(e.sub)
		}
		e.wg.Wait()
	})
}

func (e *Exporter) run() {
	defer e.wg.Done()

	batch := make([]broadcast.Message, 0, e.batchSize)
	timer := time.NewTimer(e.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-e.sub.C():
			if !ok {
				// Subscription closed, flush and exit
				e.flush(batch)
				return
			}

			batch = append(batch, msg)

			// Publish when batch is full
			if len(batch) >= e.batchSize {
				e.flush(batch)
				batch = batch[:0]
				timer.Reset(e.batchTimeout)
			}

		case <-timer.C:
			// Publish on timeout if we have any messages
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(e.batchTimeout)
		}
	}
}

func (e *Exporter) flush(batch []broadcast.Message) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.publisher.PublishBatch(ctx, batch); err != nil {
		logger.WithComponent("kafka_exporter").Error().
			Err(err).
			Int("batch_size", len(batch)).
			Msg("failed to export events")
	}
}
