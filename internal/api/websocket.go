package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trading-engine/internal/alerts"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSClient is one connected websocket consumer.
type WSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *WSHub
	closeOnce sync.Once
	closeChan chan struct{}
}

// WSHub broadcasts engine events to all connected websocket clients.
type WSHub struct {
	mu         sync.RWMutex
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	logger     zerolog.Logger
}

func NewWSHub(logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		logger:     logger.With().Str("component", "WSHub").Logger(),
	}
}

// Run processes register, unregister and broadcast events. Call in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Int("clients", h.ClientCount()).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer, drop it.
					delete(h.clients, client)
					client.close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast fans a typed message out to every client. Never blocks.
func (h *WSHub) Broadcast(messageType string, payload interface{}) {
	data, err := json.Marshal(map[string]interface{}{
		"type":      messageType,
		"payload":   payload,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("type", messageType).Msg("Failed to marshal broadcast")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Str("type", messageType).Msg("Broadcast buffer full, message dropped")
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.conn.Close()
	})
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.hub.unregister <- c
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WSClient{
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       s.hub,
		closeChan: make(chan struct{}),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// WSChannel is an alert channel that pushes alerts to websocket clients.
type WSChannel struct {
	hub *WSHub
}

func NewWSChannel(hub *WSHub) *WSChannel { return &WSChannel{hub: hub} }

func (w *WSChannel) Name() string { return "websocket" }

func (w *WSChannel) IsEnabled() bool { return true }

func (w *WSChannel) Send(alert *alerts.Alert) error {
	w.hub.Broadcast("alert", alert)
	return nil
}
