package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens in the middleware chain; cross-origin dashboards are a
	// supported consumer.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleEvents upgrades the connection and forwards the domain event stream
// until the client goes away. Each connection gets its own bounded bus
// subscription, so one slow dashboard only ever drops its own events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	sub := s.bus.Subscribe("ws-" + uuid.NewString()[:8])
	s.log.Debug("Event stream connected", "subscriber", sub.Name(), "remote", r.RemoteAddr)

	// Reader goroutine: we never expect client frames, but reading is how
	// websocket close and ping/pong get processed.
	go func() {
		defer sub.Unsubscribe()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer conn.Close()
	for ev := range sub.Events() {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			s.log.Debug("Event stream closed", "subscriber", sub.Name(), "err", err)
			sub.Unsubscribe()
			return
		}
	}
}
