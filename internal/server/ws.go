package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"backtest-lab/internal/broadcast"
	"backtest-lab/internal/observability"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and pushes {id, type, data} frames
// from the hub. An optional ?id= parameter restricts the stream to one
// session; without it the client receives events for all sessions.
// Clients send nothing after the handshake except control frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Printf("ws upgrade: %v", err)
		return
	}

	sub := s.hub.Subscribe(sessionID, broadcast.DefaultQueueSize)
	observability.UpdateSubscribers(s.hub.SubscriberCount())
	defer func() {
		sub.Close()
		observability.RecordEventsDropped(sub.Dropped())
		observability.UpdateSubscribers(s.hub.SubscriberCount())
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	// reader only drains control frames and detects disconnect
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// hub shut down; tell the client we are going away
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
