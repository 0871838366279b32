package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"sensorwatch/internal/models"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	fetched   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{pending: msgs, fetched: make(chan struct{}, len(msgs))}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		r.fetched <- struct{}{}
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumer_CommitsOnlyQueuedMessages(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Topic: "client1.temperature", Offset: 7, Value: []byte(`{"value":1}`)},
		kafka.Message{Topic: "client1.temperature", Offset: 8, Value: []byte(`{"value":2}`)},
	)
	c := &Consumer{reader: reader, topics: []string{"client1.temperature"}, retry: 10 * time.Millisecond}

	// room for one: the second message is fetched but never queued
	out := make(chan *models.Envelope, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, out) }()

	for i := 0; i < 2; i++ {
		select {
		case <-reader.fetched:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for fetch")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	got := reader.commits()
	if len(got) != 1 || got[0] != 7 {
		t.Errorf("committed offsets = %v, want [7]", got)
	}

	env := <-out
	if env.Transport != TransportName || env.Topic != "client1.temperature" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if string(env.Payload) != `{"value":1}` {
		t.Errorf("payload = %s", env.Payload)
	}
}
