package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sensorwatch/internal/models"
)

// recordingHandler records the order in which payloads are seen per topic
type recordingHandler struct {
	mu    sync.Mutex
	seen  map[string][]string
	fail  map[string]bool
	panic map[string]bool
	delay time.Duration
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		seen:  make(map[string][]string),
		fail:  make(map[string]bool),
		panic: make(map[string]bool),
	}
}

func (h *recordingHandler) Handle(ctx context.Context, env *models.Envelope) error {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	payload := string(env.Payload)
	if h.panic[payload] {
		panic("boom")
	}
	h.mu.Lock()
	h.seen[env.Topic] = append(h.seen[env.Topic], payload)
	h.mu.Unlock()
	if h.fail[payload] {
		return errors.New("handler failed")
	}
	return nil
}

func waitDone(t *testing.T, p *Pool) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain")
	}
}

func TestPool_PreservesPerTopicOrder(t *testing.T) {
	in := make(chan *models.Envelope, 1000)
	h := newRecordingHandler()
	p := NewPool(Config{Handler: h, EnvelopeChan: in, Workers: 4})
	p.Start()

	topics := []string{"client1/temperature", "client1/power", "client1/flowrate"}
	for i := 0; i < 100; i++ {
		for _, topic := range topics {
			in <- models.NewEnvelope("test", topic, []byte(fmt.Sprintf("%03d", i)))
		}
	}
	close(in)
	waitDone(t, p)

	for _, topic := range topics {
		got := h.seen[topic]
		if len(got) != 100 {
			t.Fatalf("%s: expected 100 messages, got %d", topic, len(got))
		}
		for i, payload := range got {
			if want := fmt.Sprintf("%03d", i); payload != want {
				t.Fatalf("%s: position %d got %s, want %s", topic, i, payload, want)
			}
		}
	}

	stats := p.Stats()
	if stats.Processed != 300 || stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPool_PartitionerKeepsChannelOrderAcrossTopicSpellings(t *testing.T) {
	normalizer := models.NewNormalizer("client1", []string{"temperature"}, nil)

	var (
		mu   sync.Mutex
		seen []string
	)
	h := HandlerFunc(func(_ context.Context, env *models.Envelope) error {
		mu.Lock()
		seen = append(seen, string(env.Payload))
		mu.Unlock()
		return nil
	})

	in := make(chan *models.Envelope, 1000)
	p := NewPool(Config{
		Handler:      h,
		EnvelopeChan: in,
		Workers:      8,
		Partitioner: func(env *models.Envelope) string {
			return normalizer.PartitionKey(env.Topic)
		},
	})
	p.Start()

	spellings := []string{"client1/temperature", "temperature", "client1/Temperature", "client1.temperature"}
	for i := 0; i < 200; i++ {
		topic := spellings[i%len(spellings)]
		in <- models.NewEnvelope("test", topic, []byte(fmt.Sprintf("%03d", i)))
	}
	close(in)
	waitDone(t, p)

	if len(seen) != 200 {
		t.Fatalf("expected 200 messages, got %d", len(seen))
	}
	for i, payload := range seen {
		if want := fmt.Sprintf("%03d", i); payload != want {
			t.Fatalf("position %d got %s, want %s", i, payload, want)
		}
	}
}

func TestPool_CountsFailuresAndRecoversPanics(t *testing.T) {
	in := make(chan *models.Envelope, 10)
	h := newRecordingHandler()
	h.fail["bad"] = true
	h.panic["explode"] = true

	p := NewPool(Config{Handler: h, EnvelopeChan: in, Workers: 1})
	p.Start()

	in <- models.NewEnvelope("test", "client1/power", []byte("ok-1"))
	in <- models.NewEnvelope("test", "client1/power", []byte("bad"))
	in <- models.NewEnvelope("test", "client1/power", []byte("explode"))
	in <- models.NewEnvelope("test", "client1/power", []byte("ok-2"))
	close(in)
	waitDone(t, p)

	stats := p.Stats()
	if stats.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", stats.Processed)
	}
	if stats.Failed != 2 {
		t.Errorf("expected 2 failed, got %d", stats.Failed)
	}
	// worker survived the panic and handled the next message
	if got := h.seen["client1/power"]; got[len(got)-1] != "ok-2" {
		t.Errorf("expected ok-2 last, got %v", got)
	}
}

func TestPool_StopAbortsPending(t *testing.T) {
	in := make(chan *models.Envelope, 100)
	h := newRecordingHandler()
	h.delay = 20 * time.Millisecond

	p := NewPool(Config{Handler: h, EnvelopeChan: in, Workers: 1, ShardQueueSize: 1})
	p.Start()

	for i := 0; i < 50; i++ {
		in <- models.NewEnvelope("test", "client1/temperature", []byte("x"))
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if p.Stats().Processed >= 50 {
		t.Error("expected Stop to abandon queued messages")
	}
}

func TestHandlerFunc(t *testing.T) {
	called := false
	var h Handler = HandlerFunc(func(ctx context.Context, env *models.Envelope) error {
		called = true
		return nil
	})
	if err := h.Handle(context.Background(), &models.Envelope{}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("handler not called")
	}
}

func TestShardFor_Stable(t *testing.T) {
	for _, key := range []string{"client1/temperature", "client1/power", ""} {
		first := shardFor(key, 7)
		for i := 0; i < 10; i++ {
			if got := shardFor(key, 7); got != first {
				t.Fatalf("shard for %q changed: %d != %d", key, got, first)
			}
		}
		if first < 0 || first >= 7 {
			t.Fatalf("shard %d out of range", first)
		}
	}
}
