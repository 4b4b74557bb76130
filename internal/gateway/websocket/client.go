package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// CommandRouter handles the inbound control frames. The process manager
// implements it.
type CommandRouter interface {
	Send(ctx context.Context, frame *wire.SendMessageFrame) error
	Kill(sessionID string, reason wire.KillReason) error
	ResolvePendingRequest(frame *wire.PendingRequestResponseFrame) error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	router CommandRouter
	send   chan []byte
	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, router CommandRouter, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		router: router,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps control frames from the WebSocket connection to the router.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		frame, err := wire.ParseInbound(message)
		if err != nil {
			c.sendError(err.Error())
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

// handleFrame routes one parsed inbound frame. Errors stay on this
// connection as in-band error frames; the connection survives them.
func (c *Client) handleFrame(ctx context.Context, frame interface{}) {
	var err error
	switch f := frame.(type) {
	case *wire.SendMessageFrame:
		c.logger.Debug("Received send_message", zap.String("session_id", f.SessionID))
		err = c.router.Send(ctx, f)
	case *wire.KillProcessFrame:
		c.logger.Debug("Received kill_process", zap.String("session_id", f.SessionID))
		err = c.router.Kill(f.SessionID, wire.KillReasonManual)
	case *wire.PendingRequestResponseFrame:
		c.logger.Debug("Received pending_request_response",
			zap.String("session_id", f.SessionID),
			zap.String("request_id", f.RequestID))
		err = c.router.ResolvePendingRequest(f)
	}
	if err != nil {
		c.sendError(err.Error())
	}
}

// sendError sends an in-band error frame to this client only.
func (c *Client) sendError(message string) {
	data, err := json.Marshal(wire.NewErrorFrame(message))
	if err != nil {
		c.logger.Error("Failed to marshal error frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump pumps frames from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain additional queued frames, one websocket message each so
			// the client parses frame-per-message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
