package socket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/validate"
	"github.com/agentmesh/agentmesh/pkg/socketapi"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect cross-origin from the web UI.
		return true
	},
}

// Handler upgrades HTTP requests into socket connections.
type Handler struct {
	hub    *Hub
	apiKey string
	logger *logger.Logger
}

// NewHandler creates the upgrade handler. apiKey, when non-empty, must match
// the handshake apiKey query value or x-api-key header.
func NewHandler(hub *Hub, apiKey string, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		apiKey: apiKey,
		logger: log.WithFields(zap.String("component", "socket_handler")),
	}
}

// HandleConnection authenticates the handshake, upgrades and runs the pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	if h.apiKey != "" {
		provided := c.Query("apiKey")
		if provided == "" {
			provided = c.GetHeader("x-api-key")
		}
		if provided != h.apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   gin.H{"code": "MISSING_API_KEY", "message": "socket handshake requires a valid api key"},
			})
			return
		}
	}

	entityID := c.Query("entityId")
	if !validate.IsValidID(entityID) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   gin.H{"code": "INVALID_ID", "message": "entityId is required in the handshake"},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), entityID, conn, h.hub, h.logger)
	h.hub.Register(client)

	h.logger.Debug("socket connection established",
		zap.String("socket_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client.Emit(socketapi.EventConnectionEstablished, map[string]any{
		"socketId": client.ID,
		"entityId": entityID,
	})
	client.Emit(socketapi.EventAuthenticated, map[string]any{"entityId": entityID})

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
