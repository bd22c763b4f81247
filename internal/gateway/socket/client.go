package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/pkg/socketapi"
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

// Client is one socket connection with its per-socket room access cache.
type Client struct {
	ID       string
	EntityID string

	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// allowedRooms caches participant checks per channel; loaded lazily.
	mu               sync.Mutex
	allowedRooms     map[string]bool
	roomsCacheLoaded bool

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id, entityID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:           id,
		EntityID:     entityID,
		conn:         conn,
		hub:          hub,
		send:         make(chan []byte, 256),
		allowedRooms: make(map[string]bool),
		logger:       log.WithFields(zap.String("socket_id", id), zap.String("entity_id", entityID)),
	}
}

// Emit marshals an envelope onto the send queue. Messages are dropped when
// the peer cannot keep up; the write pump tears slow connections down.
func (c *Client) Emit(event socketapi.EventType, payload any) {
	env, err := socketapi.NewEnvelope(event, payload)
	if err != nil {
		c.logger.Error("failed to build envelope", zap.String("event", string(event)), zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal envelope", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("socket send buffer full", zap.String("event", string(event)))
	}
}

func (c *Client) emitError(code, message, channelID string) {
	c.Emit(socketapi.EventMessageError, socketapi.ErrorPayload{
		Code:      code,
		Message:   message,
		ChannelID: channelID,
	})
}

// cachedAccess returns the memoized participant check for a channel.
func (c *Client) cachedAccess(channelID string) (allowed, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	allowed, known = c.allowedRooms[channelID]
	return allowed, known && c.roomsCacheLoaded
}

func (c *Client) cacheAccess(channelID string, allowed bool) {
	c.mu.Lock()
	c.allowedRooms[channelID] = allowed
	c.roomsCacheLoaded = true
	c.mu.Unlock()
}

// ReadPump pumps inbound frames into the router until the peer goes away.
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
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("socket read error", zap.Error(err))
			}
			break
		}

		var env socketapi.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("unparsable socket frame", zap.Error(err))
			c.emitError("INVALID_CONTENT", "invalid message format", "")
			continue
		}
		c.hub.router.Handle(ctx, c, &env)
	}
}

// WritePump drains the send queue to the connection and keeps the peer alive
// with pings.
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
