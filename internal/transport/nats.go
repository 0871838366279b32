package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"sensorwatch/internal/config"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/models"
)

// NATSName labels envelopes received over NATS.
const NATSName = "nats"

// NATSSource subscribes to one subject per channel.
type NATSSource struct {
	cfg      config.NATSConfig
	subjects []string

	mu   sync.Mutex
	conn *nats.Conn
	sink *sink
}

// NewNATSSource creates a source for subjects, e.g. "client1.temperature".
func NewNATSSource(cfg config.NATSConfig, subjects []string) *NATSSource {
	return &NATSSource{cfg: cfg, subjects: subjects}
}

func (s *NATSSource) Name() string { return NATSName }

// Start connects, subscribes and blocks until ctx is cancelled.
func (s *NATSSource) Start(ctx context.Context, out chan<- *models.Envelope) error {
	log := logger.WithComponent("nats")

	if len(s.subjects) == 0 {
		return fmt.Errorf("nats: no subjects to subscribe to")
	}

	opts := []nats.Option{
		nats.Name("sensorwatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if s.cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(s.cfg.ReconnectWait))
	}

	conn, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", s.cfg.URL, err)
	}

	sink := newSink(out)
	s.mu.Lock()
	s.conn = conn
	s.sink = sink
	s.mu.Unlock()

	for _, subject := range s.subjects {
		if _, err := conn.Subscribe(subject, func(m *nats.Msg) {
			sink.deliver(models.NewEnvelope(NATSName, m.Subject, m.Data))
		}); err != nil {
			return fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
	}

	log.Info().Str("url", s.cfg.URL).Strs("subjects", s.subjects).Msg("nats connected and subscribed")

	<-ctx.Done()
	return nil
}

// Close stops delivery, drains subscriptions, then closes the connection.
// Drain finishes in the background; its callbacks find the sink closed.
func (s *NATSSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.close()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	if err != nil {
		s.conn.Close()
	}
	s.conn = nil
	return err
}
