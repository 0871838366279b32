package broadcast_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sensorwatch/internal/broadcast"
	"sensorwatch/internal/models"
)

// startServer serves hub events over a test WebSocket endpoint and returns
// its ws:// URL.
func startServer(t *testing.T, hub *broadcast.Hub) string {
	t.Helper()
	srv := httptest.NewServer(broadcast.NewWebSocketHandler(hub))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads one event from conn with a short deadline.
func readEvent(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	return env.Event, env.Data
}

func waitForObservers(t *testing.T, hub *broadcast.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d observers, have %d", n, hub.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_ReceivesEvents(t *testing.T) {
	hub := broadcast.NewHub(16)
	conn := dial(t, startServer(t, hub))

	event, _ := readEvent(t, conn)
	if event != broadcast.EventConnected {
		t.Fatalf("expected connected, got %s", event)
	}

	hub.PublishReading(models.Reading{Channel: "flowrate", Value: 13.2, Timestamp: time.Now().UTC()})
	hub.PublishActiveCount(2)

	event, data := readEvent(t, conn)
	if event != broadcast.EventNewReading {
		t.Fatalf("expected new_reading, got %s", event)
	}
	var r models.Reading
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatal(err)
	}
	if r.Channel != "flowrate" || r.Value != 13.2 {
		t.Errorf("unexpected reading %+v", r)
	}

	event, data = readEvent(t, conn)
	if event != broadcast.EventAlertCount {
		t.Fatalf("expected alert_count, got %s", event)
	}
	if string(data) != `{"count":2}` {
		t.Errorf("unexpected count payload %s", data)
	}
}

func TestWebSocket_DisconnectUnsubscribes(t *testing.T) {
	hub := broadcast.NewHub(16)
	conn := dial(t, startServer(t, hub))
	readEvent(t, conn)
	waitForObservers(t, hub, 1)

	conn.Close()
	waitForObservers(t, hub, 0)
}

func TestWebSocket_HubCloseClosesConnection(t *testing.T) {
	hub := broadcast.NewHub(16)
	conn := dial(t, startServer(t, hub))
	readEvent(t, conn)
	waitForObservers(t, hub, 1)

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close")
	}
}
