package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sensorwatch/internal/logger"
)

const (
	// writeTimeout is the deadline for a single write to an observer.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxInboundMessage = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler serves hub events to WebSocket observers.
type WebSocketHandler struct {
	hub *Hub
}

// NewWebSocketHandler creates a handler bound to hub.
func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// ServeHTTP upgrades the connection and streams events until either side
// closes it.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		logger.WithComponent("websocket").Debug().Err(err).Msg("upgrade failed")
		return
	}

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	logger.WithComponent("websocket").Info().
		Str("observer_id", sub.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("websocket observer connected")

	go writePump(conn, sub)
	readPump(conn) // blocks until the connection closes
}

// writePump forwards queued events to the connection and sends periodic
// pings.
func writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// hub closed or observer removed
				conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and detects disconnects.
func readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxInboundMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
