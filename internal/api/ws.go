package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is consumed by local dashboards; origin policy is left to
	// the deployment's reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// handleEvents streams orchestration events over a websocket. Each client
// gets its own bus subscription; a slow client drops events rather than
// stalling producers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subID := "ws-" + uuid.New().String()
	ch, unsubscribe, err := s.hub.Events().Subscribe(subID)
	if err != nil {
		slog.Warn("websocket subscription failed", "error", err)
		return
	}
	defer unsubscribe()

	slog.Debug("websocket client connected", "subscriber", subID, "remote", r.RemoteAddr)

	// Read pump: discard client messages, notice disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			slog.Debug("websocket client disconnected", "subscriber", subID)
			return
		case ev, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("websocket write failed", "subscriber", subID, "error", err)
				return
			}
		}
	}
}
