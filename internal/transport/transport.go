// Package transport connects the pipeline to the message bus readings
// arrive on.
package transport

import (
	"context"
	"fmt"
	"sync"

	"sensorwatch/internal/config"
	"sensorwatch/internal/kafka"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
)

// Source delivers raw telemetry messages as envelopes.
type Source interface {
	Name() string
	// Start blocks until ctx is cancelled or the source fails for good.
	Start(ctx context.Context, out chan<- *models.Envelope) error
	Close() error
}

// New builds the source selected by cfg.Transport.Kind. It returns nil for
// the "none" transport, where readings only arrive over POST /ingest.
func New(cfg *config.Config) (Source, error) {
	switch cfg.Transport.Kind {
	case config.TransportMQTT:
		return NewMQTTSource(cfg.MQTT, cfg.Topics("/")), nil
	case config.TransportKafka:
		c, err := kafka.NewConsumer(cfg.Kafka, cfg.Topics("."))
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TransportNATS:
		return NewNATSSource(cfg.NATS, cfg.Topics(".")), nil
	case config.TransportNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// deliver hands env to out without blocking. Bus callbacks must return
// quickly, so when the queue is full the message is dropped.
func deliver(out chan<- *models.Envelope, env *models.Envelope) bool {
	select {
	case out <- env:
		return true
	default:
		metrics.IngestMessagesTotal.WithLabelValues(env.Transport, "dropped").Inc()
		logger.WithComponent(env.Transport).Warn().
			Str("topic", env.Topic).
			Msg("pipeline queue full, dropping message")
		return false
	}
}

// sink guards a source's output channel. Once closed, late bus callbacks
// are discarded instead of racing the pipeline's close of out.
type sink struct {
	mu     sync.RWMutex
	out    chan<- *models.Envelope
	closed bool
}

func newSink(out chan<- *models.Envelope) *sink {
	return &sink{out: out}
}

func (s *sink) deliver(env *models.Envelope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	return deliver(s.out, env)
}

// close waits for in-flight deliveries; none start afterwards.
func (s *sink) close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
