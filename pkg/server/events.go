package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket configuration.
const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsBroadcastBuffer = 256
	wsChannelBuffer   = 10
	wsWriteDeadline   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (curl, service clients).
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  wsReadBufferSize,
	WriteBufferSize: wsWriteBufferSize,
}

// EventHub fans consolidation pass events out to WebSocket subscribers.
type EventHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	mu         sync.RWMutex
}

// NewEventHub creates an idle hub; call Run to start it.
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, wsChannelBuffer),
		unregister: make(chan *websocket.Conn, wsChannelBuffer),
		broadcast:  make(chan []byte, wsBroadcastBuffer),
	}
}

// Run is the hub's main loop; it exits when ctx is cancelled, closing all
// client connections.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			zap.L().Debug("event stream client connected", zap.Int("total", count))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			zap.L().Debug("event stream client disconnected", zap.Int("total", count))
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			// Drop failed connections inline: routing them through the
			// unregister channel from our own loop would block once the
			// channel buffer fills.
			if len(failed) > 0 {
				h.mu.Lock()
				for _, conn := range failed {
					if _, ok := h.clients[conn]; ok {
						delete(h.clients, conn)
						conn.Close()
					}
				}
				count := len(h.clients)
				h.mu.Unlock()
				zap.L().Debug("dropped unwritable event stream clients",
					zap.Int("dropped", len(failed)), zap.Int("total", count))
			}
		}
	}
}

// Broadcast sends an event to every subscriber. A full channel drops the
// event rather than blocking the consolidation path.
func (h *EventHub) Broadcast(data interface{}) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- message:
	default:
		zap.L().Warn("event broadcast channel full, dropping event")
	}
	return nil
}

// HasClients reports whether anyone is listening.
func (h *EventHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleEvents upgrades the request and subscribes it to the event stream.
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.register <- conn

	// Drain the client's read side so pings/close frames are processed.
	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
