// Package websocket fans server events out to connected UI clients and routes
// their control frames to the process manager.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// Snapshotter supplies the connect-time list of live processes.
type Snapshotter interface {
	Snapshot() []wire.ProcessRecord
}

// Hub manages all WebSocket client connections. Every outbound frame goes to
// every client; a client that cannot keep up loses frames without slowing
// the others (it resynchronizes over HTTP).
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	snapshots Snapshotter

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub. snapshots provides the active_processes frame sent
// to each client on connect.
func NewHub(snapshots Snapshotter, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		snapshots:  snapshots,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.sendSnapshot(client)
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.broadcastData(data)
		}
	}
}

// sendSnapshot queues the active-processes snapshot on a fresh client.
// Running inside the hub loop orders it before any broadcast the client
// will receive.
func (h *Hub) sendSnapshot(client *Client) {
	frame := wire.NewActiveProcessesFrame(h.snapshots.Snapshot())
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Failed to marshal process snapshot", zap.Error(err))
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// removeClient removes a client from the hub.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastData sends an encoded frame to every client.
func (h *Hub) broadcastData(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full; the frame is dropped for this client only.
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast encodes a frame and sends it to all connected clients.
func (h *Hub) Broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast frame", zap.Error(err))
		return
	}
	h.broadcast <- data
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
