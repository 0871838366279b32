package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sensorwatch/internal/config"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/models"
)

// MQTTName labels envelopes received over MQTT.
const MQTTName = "mqtt"

// MQTTSource subscribes to one topic per channel on an MQTT broker.
type MQTTSource struct {
	cfg    config.MQTTConfig
	topics []string

	mu     sync.Mutex
	client mqtt.Client
	sink   *sink
}

// NewMQTTSource creates a source for topics, e.g. "client1/temperature".
func NewMQTTSource(cfg config.MQTTConfig, topics []string) *MQTTSource {
	return &MQTTSource{cfg: cfg, topics: topics}
}

func (s *MQTTSource) Name() string { return MQTTName }

// filters maps every topic to the configured QoS.
func (s *MQTTSource) filters() map[string]byte {
	filters := make(map[string]byte, len(s.topics))
	for _, t := range s.topics {
		filters[t] = s.cfg.QoS
	}
	return filters
}

func (s *MQTTSource) options(out *sink) *mqtt.ClientOptions {
	log := logger.WithComponent("mqtt")

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(s.cfg.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	if s.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	}
	if s.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(s.cfg.KeepAlive)
	}
	if s.cfg.PingTimeout > 0 {
		opts.SetPingTimeout(s.cfg.PingTimeout)
	}
	if s.cfg.MaxReconnectDelay > 0 {
		opts.SetMaxReconnectInterval(s.cfg.MaxReconnectDelay)
	}
	if s.cfg.TLSSkipVerify {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		out.deliver(models.NewEnvelope(MQTTName, msg.Topic(), msg.Payload()))
	}

	// subscriptions are re-established on every (re)connect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.SubscribeMultiple(s.filters(), handler)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Error().Err(err).Strs("topics", s.topics).Msg("mqtt subscribe failed")
			return
		}
		log.Info().Str("broker", s.cfg.Broker).Strs("topics", s.topics).Msg("mqtt connected and subscribed")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info().Msg("mqtt reconnecting")
	})

	return opts
}

// Start connects and blocks until ctx is cancelled. With ConnectRetry the
// client keeps retrying in the background, so an unreachable broker is not
// fatal.
func (s *MQTTSource) Start(ctx context.Context, out chan<- *models.Envelope) error {
	if len(s.topics) == 0 {
		return fmt.Errorf("mqtt: no topics to subscribe to")
	}

	sink := newSink(out)
	client := mqtt.NewClient(s.options(sink))
	s.mu.Lock()
	s.client = client
	s.sink = sink
	s.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
		}
	case <-ctx.Done():
		return nil
	}

	<-ctx.Done()
	return nil
}

// Close stops delivery, then disconnects, giving in-flight work 250ms to
// finish.
func (s *MQTTSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.close()
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	return nil
}
