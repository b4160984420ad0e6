package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/moodtracker/internal/offline"
)

const (
	eventBuffer  = 16
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is bearer-authenticated, so any origin holding the token
	// may subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams coordinator events as JSON text frames. Slow readers
// lose events rather than stall the coordinator.
func handleEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.logger().Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		events := make(chan offline.Event, eventBuffer)
		unsubscribe := deps.Coordinator.Subscribe(func(ev offline.Event) {
			select {
			case events <- ev:
			default:
				deps.logger().Debug("event dropped for slow subscriber", "type", ev.Type)
			}
		})
		defer unsubscribe()

		// Reads only detect the peer closing; clients send nothing.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		hello := offline.Event{Type: offline.EventConnectivity, Online: deps.Coordinator.Online(), Time: time.Now().UTC().Format(time.RFC3339)}
		if err := writeEvent(conn, hello); err != nil {
			return
		}

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case ev := <-events:
				if err := writeEvent(conn, ev); err != nil {
					deps.logger().Debug("event stream write failed", "error", err)
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev offline.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}
