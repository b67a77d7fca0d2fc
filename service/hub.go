package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/websocket"
)

// WSMessage is the frame sent to websocket subscribers.
type WSMessage struct {
	Type    string      `json:"type"` // "geofence_event", "error"
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Client represents a connected WebSocket client
type Client struct {
	conn    *websocket.Conn
	assetID string
	send    chan []byte
}

// Hub manages WebSocket clients grouped by asset and pushes geofence events to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool // assetID -> set of clients
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]bool),
	}
}

// ServeWS handles WebSocket upgrade and client lifecycle
// URL: /api/events/{assetId}
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/events/")
	assetID := strings.TrimSuffix(path, "/")
	if assetID == "" || strings.Contains(assetID, "/") {
		writeError(w, http.StatusBadRequest, "asset_id required")
		return
	}

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		client := &Client{
			conn:    conn,
			assetID: assetID,
			send:    make(chan []byte, 256),
		}

		h.register(client)
		defer h.unregister(client)

		slog.Info("client connected",
			"asset_id", assetID,
			"remote", conn.Request().RemoteAddr)

		// Write pump
		go func() {
			for msg := range client.send {
				if _, err := conn.Write(msg); err != nil {
					return
				}
			}
		}()

		// Read pump (for close detection)
		buf := make([]byte, 512)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	wsHandler.ServeHTTP(w, r)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.assetID] == nil {
		h.clients[c.assetID] = make(map[*Client]bool)
	}
	h.clients[c.assetID][c] = true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// CloseAll may have already dropped and closed the client.
	if clients, ok := h.clients[c.assetID]; ok && clients[c] {
		delete(clients, c)
		close(c.send)
		if len(clients) == 0 {
			delete(h.clients, c.assetID)
		}
	}
	slog.Info("client disconnected", "asset_id", c.assetID)
}

// Subscribers returns the number of clients watching an asset.
func (h *Hub) Subscribers(assetID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[assetID])
}

// Broadcast sends a message to all clients subscribed to an asset
func (h *Hub) Broadcast(assetID string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[assetID] {
		select {
		case client.send <- data:
		default:
			slog.Warn("client buffer full", "asset_id", assetID)
		}
	}
}

// Publish pushes a geofence event to the asset's subscribers. Slow clients drop
// frames, so it never fails.
func (h *Hub) Publish(_ context.Context, evt GeofenceEvent) error {
	h.Broadcast(evt.AssetID, WSMessage{Type: "geofence_event", Data: evt})
	return nil
}

// CloseAll closes all client connections
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.clients {
		for client := range clients {
			close(client.send)
			client.conn.Close()
		}
	}
	h.clients = make(map[string]map[*Client]bool)
}
