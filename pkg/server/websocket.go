package server

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocket upgrader with default settings
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (can be restricted in production)
		return true
	},
}

// handleWatch upgrades the connection and streams the engine's change
// feed until the client disconnects. Slow clients lose events rather
// than backpressuring the commit path.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("watch: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := s.eng.Watch(r.Context())
	defer cancel()

	// Drain reads so close frames and pings are processed; the feed
	// is one-directional.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
