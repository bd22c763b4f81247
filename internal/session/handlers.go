package session

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/validate"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/service"
	"github.com/agentmesh/agentmesh/internal/messaging/transport"
)

// Handlers exposes the session HTTP surface.
type Handlers struct {
	manager    *Manager
	svc        *service.Service
	dispatcher *transport.Dispatcher
	logger     *logger.Logger
}

func NewHandlers(manager *Manager, svc *service.Service, dispatcher *transport.Dispatcher, log *logger.Logger) *Handlers {
	return &Handlers{
		manager:    manager,
		svc:        svc,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "session-handlers")),
	}
}

// RegisterRoutes mounts the /sessions surface on the api group.
func RegisterRoutes(api *gin.RouterGroup, manager *Manager, svc *service.Service, dispatcher *transport.Dispatcher, log *logger.Logger) {
	h := NewHandlers(manager, svc, dispatcher, log)

	g := api.Group("/sessions")
	g.POST("", h.createSession)
	g.GET("", h.listSessions)
	g.GET("/health", h.health)
	g.GET("/:sessionId", h.getSession)
	g.DELETE("/:sessionId", h.deleteSession)
	g.POST("/:sessionId/messages", h.sendMessage)
	g.GET("/:sessionId/messages", h.getMessages)
	g.POST("/:sessionId/heartbeat", h.heartbeat)
	g.POST("/:sessionId/renew", h.renew)
	g.PATCH("/:sessionId/timeout", h.updateTimeout)
}

type createSessionRequest struct {
	AgentID       string           `json:"agentId"`
	UserID        string           `json:"userId"`
	Metadata      map[string]any   `json:"metadata"`
	TimeoutConfig *TimeoutOverride `json:"timeoutConfig"`
}

func (h *Handlers) createSession(c *gin.Context) {
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "invalid request body"))
		return
	}
	view, err := h.manager.Create(c.Request.Context(), CreateParams{
		AgentID:       body.AgentID,
		UserID:        body.UserID,
		Metadata:      body.Metadata,
		TimeoutConfig: body.TimeoutConfig,
	})
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handlers) listSessions(c *gin.Context) {
	views := h.manager.List()
	c.JSON(http.StatusOK, gin.H{"sessions": views, "total": len(views)})
}

func (h *Handlers) getSession(c *gin.Context) {
	view, err := h.manager.Get(c.Param("sessionId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handlers) deleteSession(c *gin.Context) {
	if err := h.manager.Delete(c.Param("sessionId")); err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type sendMessageRequest struct {
	Content     string         `json:"content"`
	Attachments []any          `json:"attachments"`
	Metadata    map[string]any `json:"metadata"`
	Transport   string         `json:"transport"`
	Mode        string         `json:"mode"`
}

func (h *Handlers) sendMessage(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "invalid request body"))
		return
	}
	if err := h.manager.ValidateMessage(body.Content, body.Metadata); err != nil {
		apierror.Write(c, err)
		return
	}

	rawTransport := body.Transport
	if rawTransport == "" {
		rawTransport = body.Mode
	}
	tr, err := transport.Validate(rawTransport)
	if err != nil {
		apierror.Write(c, err)
		return
	}

	session, status, err := h.manager.TouchForMessage(sessionID)
	if err != nil {
		apierror.Write(c, err)
		return
	}

	channel, err := h.svc.GetChannel(c.Request.Context(), session.ChannelID)
	if err != nil {
		apierror.Write(c, err)
		return
	}

	// Message metadata layers channel metadata, the session marker and the
	// request's own metadata.
	metadata := map[string]any{}
	for k, v := range channel.Metadata {
		metadata[k] = v
	}
	metadata["sessionId"] = session.ID
	for k, v := range body.Metadata {
		metadata[k] = v
	}
	if len(body.Attachments) > 0 {
		metadata["attachments"] = body.Attachments
	}

	message, err := h.svc.PostMessage(c.Request.Context(), service.PostMessageParams{
		ChannelID:       session.ChannelID,
		AuthorID:        session.UserID,
		MessageServerID: h.svc.ServerID(),
		Content:         body.Content,
		Metadata:        metadata,
		SourceType:      models.SourceTypeSession,
	})
	if err != nil {
		apierror.Write(c, err)
		return
	}

	h.dispatcher.Handle(c, transport.Request{
		Transport:   tr,
		AgentID:     session.AgentID,
		UserMessage: message,
		Input: &agent.Input{
			EntityID:  session.UserID,
			ChannelID: session.ChannelID,
			Content:   body.Content,
			MessageID: message.ID,
			Metadata:  metadata,
		},
		Extra: map[string]any{"sessionStatus": status},
	})
}

func (h *Handlers) getMessages(c *gin.Context) {
	sessionID := c.Param("sessionId")
	limit := validate.ClampInt(c.Query("limit"), service.DefaultMessageLimit, 1, service.MaxMessageLimit, h.logger, "limit")

	before, err := parseCursor(c.Query("before"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	after, err := parseCursor(c.Query("after"))
	if err != nil {
		apierror.Write(c, err)
		return
	}

	page, err := h.manager.GetMessages(c.Request.Context(), sessionID, limit, before, after)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// parseCursor reads a unix millisecond cursor, rejecting non-numeric values.
func parseCursor(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apierror.New(apierror.CodeInvalidPagination, "cursor must be a unix millisecond timestamp")
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func (h *Handlers) heartbeat(c *gin.Context) {
	view, err := h.manager.Heartbeat(c.Param("sessionId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handlers) renew(c *gin.Context) {
	view, err := h.manager.Renew(c.Param("sessionId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handlers) updateTimeout(c *gin.Context) {
	var body TimeoutOverride
	if err := c.ShouldBindJSON(&body); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeInvalidTimeoutConfig, "invalid timeout config"))
		return
	}
	view, err := h.manager.UpdateTimeout(c.Param("sessionId"), body)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Health())
}
