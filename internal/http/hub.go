package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"speech-emotion-service/internal/models"
	"speech-emotion-service/internal/observability/logging"
)

const writeWait = 5 * time.Second

// Hub fans state and chat-entry messages out to websocket clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logging.WithComponent("hub"),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("clients", n).Msg("Client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("clients", n).Msg("Client disconnected")

		case payload := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					h.logger.Warn().Err(err).Msg("Write error, dropping client")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every client. It never blocks; when the
// queue is full the message is dropped.
func (h *Hub) Broadcast(msgType string, data any) {
	payload, err := json.Marshal(models.FeedMessage{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal feed message")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn().Str("type", msgType).Msg("Feed queue full, message dropped")
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the request, sends the current state and registers the
// connection.
func (h *Hub) serveWS(ctrl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("WebSocket upgrade error")
			return
		}

		view, err := ctrl.State(r.Context())
		if err != nil {
			h.logger.Warn().Err(err).Msg("State unavailable for new client")
			conn.Close()
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(models.FeedMessage{Type: models.FeedState, Data: view}); err != nil {
			conn.Close()
			return
		}

		select {
		case h.register <- conn:
		case <-h.done:
			conn.Close()
			return
		}

		// Clients only listen; reading detects the disconnect.
		go func() {
			defer func() {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
