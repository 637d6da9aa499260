package main

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// hub tracks connected websocket clients and broadcasts index updates
// to all of them.
type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// broadcast writes msg to every client, evicting any whose connection
// fails. Broadcasts all come from the single watcher drain goroutine,
// so there is never more than one concurrent writer per connection.
func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug().Err(err).Msg("websocket write failed, dropping client")
			h.unregister(c)
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	// The server is expected to run behind a reverse proxy in a trusted
	// environment, so cross-origin upgrades are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handle upgrades the connection and parks it in the hub until the peer
// goes away. Clients receive {"added":n,"removed":m} frames as the
// watcher applies changes.
func (h *hub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.register(conn)
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")

	go func() {
		// The read loop only detects disconnection; clients don't send.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.unregister(conn)
		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket client disconnected")
	}()
}
