// Package api provides the REST and WebSocket facade (C12).
package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/volguard/controlplane/pkg/types"
	"go.uber.org/zap"
)

// liveUpdate is the 1Hz server-to-client WebSocket payload.
type liveUpdate struct {
	Type      string                 `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	Portfolio types.PortfolioSnapshot `json:"portfolio"`
	Positions []*types.Trade          `json:"positions"`
}

// wsClient is a single WebSocket connection.
type wsClient struct {
	id   string
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

// hub fans live_update broadcasts out to every connected client.
type hub struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger:     logger,
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastPortfolio implements monitor.Broadcaster, pushing the 1Hz
// live_update frame to every connected client.
func (h *hub) BroadcastPortfolio(snapshot types.PortfolioSnapshot, positions []*types.Trade) {
	msg := liveUpdate{
		Type:      "live_update",
		Timestamp: time.Now().UnixMilli(),
		Portfolio: snapshot,
		Positions: positions,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("websocket: failed to marshal live update", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket: client send buffer full, dropping frame", zap.String("client", c.id))
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
