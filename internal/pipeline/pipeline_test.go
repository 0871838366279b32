package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorwatch/internal/alerts"
	"sensorwatch/internal/broadcast"
	"sensorwatch/internal/models"
	"sensorwatch/internal/state"
	"sensorwatch/internal/storage"
)

type harness struct {
	pipeline *Pipeline
	store    *storage.Memory
	cache    *state.Cache
	hub      *broadcast.Hub
	sub      *broadcast.Subscription
}

func newHarness(t *testing.T, readingStore ReadingStore) *harness {
	t.Helper()
	store := storage.NewMemory(0)
	if readingStore == nil {
		readingStore = store
	}
	cache := state.NewCache()
	hub := broadcast.NewHub(64)
	sub := hub.Subscribe(broadcast.EventNewReading, broadcast.EventNewAlert, broadcast.EventAlertCount)
	t.Cleanup(hub.Close)

	p := New(Config{
		Normalizer: models.NewNormalizer("client1",
			[]string{"temperature", "humidity", "flowrate", "power", "cumulative", "current"}, nil),
		Lifecycle:    alerts.NewManager(store, alerts.DefaultRules(), nil),
		Cache:        cache,
		Store:        readingStore,
		Publisher:    hub,
		StoreTimeout: time.Second,
	})
	return &harness{pipeline: p, store: store, cache: cache, hub: hub, sub: sub}
}

func (h *harness) send(t *testing.T, topic, payload string) error {
	t.Helper()
	return h.pipeline.Handle(context.Background(), models.NewEnvelope("test", topic, []byte(payload)))
}

// drain returns every queued broadcast message.
func (h *harness) drain() []broadcast.Message {
	var out []broadcast.Message
	for {
		select {
		case msg := <-h.sub.C():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func events(msgs []broadcast.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Event
	}
	return out
}

func countOf(t *testing.T, msg broadcast.Message) int {
	t.Helper()
	var env struct {
		Data broadcast.CountPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &env))
	return env.Data.Count
}

func TestPipeline_PowerOutageEndToEnd(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.send(t, "client1/power", `{"value": 0.0}`))
	msgs := h.drain()
	require.Equal(t, []string{broadcast.EventNewReading, broadcast.EventNewAlert, broadcast.EventAlertCount}, events(msgs))
	assert.Contains(t, string(msgs[1].Payload), "OUTAGE")
	assert.Equal(t, 1, countOf(t, msgs[2]))

	require.NoError(t, h.send(t, "client1/power", `{"value": 5.0}`))
	msgs = h.drain()
	require.Equal(t, []string{broadcast.EventNewReading, broadcast.EventAlertCount}, events(msgs))
	assert.Equal(t, 0, countOf(t, msgs[1]))

	all, err := h.store.ListAlerts(context.Background(), storage.AlertFilter{Channel: "power"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.AlertCleared, all[0].Status)
}

func TestPipeline_UpdatesCacheAndStore(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.send(t, "client1/humidity", `{"value": 55.5, "timestamp": "2025-01-01T00:00:00Z"}`))

	r, ok := h.cache.Get("humidity")
	require.True(t, ok)
	assert.Equal(t, 55.5, r.Value)

	stored, err := h.store.RecentReadings(context.Background(), "humidity", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, r, stored[0])

	// channels without rules never raise alerts but still report the count
	assert.Equal(t, []string{broadcast.EventNewReading, broadcast.EventAlertCount}, events(h.drain()))
}

func TestPipeline_RejectsMalformed(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		topic   string
		payload string
		want    error
	}{
		{"client1/pressure", `{"value": 1}`, models.ErrUnknownChannel},
		{"client1/temperature", `{"timestamp": "2025-01-01T00:00:00Z"}`, models.ErrMissingValue},
		{"client1/temperature", `{"value": "hot"}`, models.ErrNonNumericValue},
		{"client1/temperature", `not json`, models.ErrInvalidPayload},
	}

	for _, tt := range tests {
		err := h.send(t, tt.topic, tt.payload)
		assert.True(t, errors.Is(err, tt.want), "%s %s: got %v", tt.topic, tt.payload, err)
	}

	assert.Equal(t, 0, h.cache.Len())
	assert.Empty(t, h.drain())
	n, err := h.store.CountAlerts(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type failingReadings struct{}

func (failingReadings) SaveReading(ctx context.Context, r models.Reading) error {
	return errors.New("disk full")
}

func TestPipeline_SaveFailureSkipsReadingBroadcast(t *testing.T) {
	h := newHarness(t, failingReadings{})

	err := h.send(t, "client1/temperature", `{"value": 45}`)
	require.Error(t, err)

	// the alert was persisted, so it is still announced
	assert.Equal(t, []string{broadcast.EventNewAlert, broadcast.EventAlertCount}, events(h.drain()))
	_, ok := h.cache.Get("temperature")
	assert.True(t, ok)
}

type failingLifecycle struct{}

func (failingLifecycle) Process(ctx context.Context, r models.Reading) (alerts.Outcome, error) {
	return alerts.Outcome{}, context.DeadlineExceeded
}

func (failingLifecycle) ActiveCount(ctx context.Context) (int, error) { return 0, nil }

func TestPipeline_LifecycleFailureDropsMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.pipeline.lifecycle = failingLifecycle{}

	err := h.send(t, "client1/temperature", `{"value": 45}`)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 0, h.cache.Len())
	assert.Empty(t, h.drain())
	stored, err := h.store.RecentReadings(context.Background(), "temperature", 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

type recordingMirror struct {
	puts []models.Reading
}

func (m *recordingMirror) Put(ctx context.Context, r models.Reading) error {
	m.puts = append(m.puts, r)
	return nil
}

func (m *recordingMirror) LatestReadings(ctx context.Context) (map[string]models.Reading, error) {
	return nil, nil
}

func (m *recordingMirror) Close() error { return nil }

func TestPipeline_MirrorsLatest(t *testing.T) {
	h := newHarness(t, nil)
	mirror := &recordingMirror{}
	h.pipeline.mirror = mirror

	require.NoError(t, h.send(t, "client1/current", `{"value": 3.2}`))
	require.Len(t, mirror.puts, 1)
	assert.Equal(t, "current", mirror.puts[0].Channel)
}
