package broadcast

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
)

// Event names pushed to observers.
const (
	EventConnected  = "connected"
	EventNewReading = "new_reading"
	EventNewAlert   = "new_alert"
	EventAlertCount = "alert_count"
)

// DefaultBuffer is the per-observer queue depth used when none is given.
const DefaultBuffer = 64

// envelope is the JSON shape of every pushed event.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Message is one encoded event. Key is the channel the event concerns, empty
// for global events.
type Message struct {
	Event   string
	Key     string
	Payload []byte
}

// CountPayload is the data of an alert_count event.
type CountPayload struct {
	Count int `json:"count"`
}

// Subscription is one observer's bounded queue.
type Subscription struct {
	ID     string
	ch     chan Message
	events map[string]struct{}
}

// C returns the observer's message channel. It is closed on Unsubscribe or
// when the hub closes.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

func (s *Subscription) wants(event string) bool {
	if s.events == nil {
		return true
	}
	_, ok := s.events[event]
	return ok
}

// Hub fans events out to subscriptions. Publishing never blocks: when an
// observer's queue is full the new message is dropped for that observer.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewHub creates a hub whose subscriptions buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers an observer. With no events it receives everything.
// The first queued message is a connected acknowledgment; current state is
// not replayed.
func (h *Hub) Subscribe(events ...string) *Subscription {
	s := &Subscription{
		ID: uuid.NewString(),
		ch: make(chan Message, h.buffer),
	}
	if len(events) > 0 {
		s.events = make(map[string]struct{}, len(events))
		for _, e := range events {
			s.events[e] = struct{}{}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(s.ch)
		return s
	}
	h.subs[s.ID] = s
	metrics.ObserversConnected.Inc()

	if s.wants(EventConnected) {
		if msg, err := encode(EventConnected, "", map[string]string{"id": s.ID}); err == nil {
			s.ch <- msg
		}
	}

	logger.WithComponent("broadcast").Debug().
		Str("observer_id", s.ID).
		Int("observers", len(h.subs)).
		Msg("observer connected")
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s.ID]; !ok {
		return
	}
	delete(h.subs, s.ID)
	close(s.ch)
	metrics.ObserversConnected.Dec()

	logger.WithComponent("broadcast").Debug().
		Str("observer_id", s.ID).
		Int("observers", len(h.subs)).
		Msg("observer disconnected")
}

// PublishReading pushes a new_reading event.
func (h *Hub) PublishReading(r models.Reading) {
	h.publish(EventNewReading, r.Channel, r)
}

// PublishAlert pushes a new_alert event.
func (h *Hub) PublishAlert(a *models.Alert) {
	if a == nil {
		return
	}
	h.publish(EventNewAlert, a.Channel, a)
}

// PublishActiveCount pushes an alert_count event.
func (h *Hub) PublishActiveCount(n int) {
	h.publish(EventAlertCount, "", CountPayload{Count: n})
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Later publishes are ignored and later
// subscriptions are returned already closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
		metrics.ObserversConnected.Dec()
	}
}

func (h *Hub) publish(event, key string, data any) {
	msg, err := encode(event, key, data)
	if err != nil {
		logger.WithComponent("broadcast").Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}

	// sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	var delivered, dropped int
	for _, s := range h.subs {
		if !s.wants(event) {
			continue
		}
		select {
		case s.ch <- msg:
			delivered++
		default:
			dropped++
		}
	}

	if delivered > 0 {
		metrics.BroadcastDeliveredTotal.WithLabelValues(event).Add(float64(delivered))
	}
	if dropped > 0 {
		metrics.BroadcastDroppedTotal.WithLabelValues(event).Add(float64(dropped))
	}
}

func encode(event, key string, data any) (Message, error) {
	payload, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Key: key, Payload: payload}, nil
}
