// Package handlers exposes the channel, message and message-server HTTP
// surface.
package handlers

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/validate"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/repository"
	"github.com/agentmesh/agentmesh/internal/messaging/service"
	"github.com/agentmesh/agentmesh/internal/messaging/transport"
)

type Handlers struct {
	svc        *service.Service
	dispatcher *transport.Dispatcher
	logger     *logger.Logger
	uploadDir  string
}

func NewHandlers(svc *service.Service, dispatcher *transport.Dispatcher, log *logger.Logger) *Handlers {
	return &Handlers{
		svc:        svc,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "messaging-handlers")),
		uploadDir:  filepath.Join("data", "uploads", "channels"),
	}
}

// RegisterRoutes mounts the canonical surface plus the deprecated aliases
// older clients still call.
func RegisterRoutes(api *gin.RouterGroup, svc *service.Service, dispatcher *transport.Dispatcher, log *logger.Logger) {
	h := NewHandlers(svc, dispatcher, log)

	h.registerChannelRoutes(api.Group("/channels"))
	h.registerServerRoutes(api)

	// Deprecated prefixes forward to the same handlers and flag themselves
	// through the Deprecation header.
	h.registerChannelRoutes(api.Group("/central-channels", h.deprecated("/central-channels", "/channels")))
	deprecatedServers := api.Group("", h.deprecated("/central-servers", "/message-servers"))
	deprecatedServers.GET("/central-servers", h.listServers)
	deprecatedServers.POST("/central-servers", h.createServer)
	deprecatedServers.GET("/central-servers/:serverId/agents", h.listServerAgents)
	deprecatedServers.POST("/central-servers/:serverId/agents", h.addServerAgent)
	deprecatedServers.DELETE("/central-servers/:serverId/agents/:agentId", h.removeServerAgent)

	legacyServers := api.Group("", h.deprecated("/servers", "/message-servers"))
	legacyServers.GET("/servers", h.listServers)
	legacyServers.POST("/servers", h.createServer)
	legacyServers.GET("/servers/:serverId/agents", h.listServerAgents)
	legacyServers.POST("/servers/:serverId/agents", h.addServerAgent)
	legacyServers.DELETE("/servers/:serverId/agents/:agentId", h.removeServerAgent)
}

func (h *Handlers) registerChannelRoutes(g *gin.RouterGroup) {
	g.POST("", h.createChannel)
	g.POST("/:channelId/messages", h.postMessage)
	g.GET("/:channelId/messages", h.getMessages)
	g.DELETE("/:channelId/messages", h.clearChannel)
	g.DELETE("/:channelId/messages/:messageId", h.deleteMessage)
	g.PATCH("/:channelId/messages/:messageId", h.updateMessage)
	g.GET("/:channelId/details", h.getChannelDetails)
	g.GET("/:channelId/participants", h.getParticipants)
	g.GET("/:channelId/agents", h.getChannelAgents)
	g.POST("/:channelId/agents", h.addChannelAgent)
	g.DELETE("/:channelId/agents/:agentId", h.removeChannelAgent)
	g.POST("/:channelId/upload-media", httpmw.UploadRateLimit(), h.uploadMedia)
	g.POST("/:channelId/generate-title", h.generateTitle)
	g.PATCH("/:channelId", h.updateChannel)
	g.DELETE("/:channelId", h.deleteChannel)
}

func (h *Handlers) registerServerRoutes(api *gin.RouterGroup) {
	api.GET("/message-server/current", h.getCurrentServer)
	api.GET("/message-servers", h.listServers)
	api.POST("/message-servers", h.createServer)
	api.GET("/message-servers/:serverId/agents", h.listServerAgents)
	api.POST("/message-servers/:serverId/agents", h.addServerAgent)
	api.DELETE("/message-servers/:serverId/agents/:agentId", h.removeServerAgent)
	api.GET("/agents/:agentId/message-servers", h.listAgentServers)
}

// deprecated flags requests on a legacy prefix and logs where traffic should
// move.
func (h *Handlers) deprecated(oldPrefix, newPrefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Deprecation", "true")
		c.Header("Link", "<"+newPrefix+">; rel=\"successor-version\"")
		h.logger.Warn("deprecated route used",
			zap.String("path", c.Request.URL.Path),
			zap.String("use_instead", newPrefix))
		c.Next()
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

// --- Messages ---

type postMessageRequest struct {
	AuthorID           string         `json:"author_id"`
	Content            string         `json:"content"`
	MessageServerID    string         `json:"message_server_id"`
	InReplyToMessageID string         `json:"in_reply_to_message_id"`
	RawMessage         map[string]any `json:"raw_message"`
	Metadata           map[string]any `json:"metadata"`
	SourceType         string         `json:"source_type"`
	AgentID            string         `json:"agent_id"`
	Transport          string         `json:"transport"`
	Mode               string         `json:"mode"`
}

func (h *Handlers) postMessage(c *gin.Context) {
	channelID := c.Param("channelId")

	var body postMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "invalid request body"))
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

	message, err := h.svc.PostMessage(c.Request.Context(), service.PostMessageParams{
		ChannelID:       channelID,
		AuthorID:        body.AuthorID,
		MessageServerID: body.MessageServerID,
		Content:         body.Content,
		InReplyTo:       body.InReplyToMessageID,
		RawMessage:      body.RawMessage,
		Metadata:        body.Metadata,
		SourceType:      body.SourceType,
	})
	if err != nil {
		apierror.Write(c, err)
		return
	}

	agentID := body.AgentID
	if agentID == "" && tr != transport.WebSocket {
		agentID = h.resolveChannelAgent(c, channelID)
	}
	if agentID == "" {
		// No addressable agent: acknowledge and let bus consumers answer.
		tr = transport.WebSocket
	}

	h.dispatcher.Handle(c, transport.Request{
		Transport:   tr,
		AgentID:     agentID,
		UserMessage: message,
		Input: &agent.Input{
			EntityID:  message.AuthorID,
			ChannelID: message.ChannelID,
			Content:   message.Content,
			MessageID: message.ID,
			Metadata:  message.Metadata,
		},
	})
}

// resolveChannelAgent picks the first server-registered agent among the
// channel participants.
func (h *Handlers) resolveChannelAgent(c *gin.Context, channelID string) string {
	ctx := c.Request.Context()
	agents, err := h.svc.ListAgentsForServer(ctx, h.svc.ServerID())
	if err != nil || len(agents) == 0 {
		return ""
	}
	for _, agentID := range agents {
		isMember, err := h.svc.IsParticipant(ctx, channelID, agentID)
		if err == nil && isMember {
			return agentID
		}
	}
	return ""
}

func (h *Handlers) getMessages(c *gin.Context) {
	channelID := c.Param("channelId")
	limit := validate.ClampInt(c.Query("limit"), service.DefaultMessageLimit, 1, service.MaxMessageLimit, h.logger, "limit")

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			apierror.Write(c, apierror.New(apierror.CodeInvalidPagination, "before must be a unix millisecond timestamp"))
			return
		}
		t := time.UnixMilli(ms).UTC()
		before = &t
	}

	messages, err := h.svc.GetMessages(c.Request.Context(), channelID, limit, before)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	ok(c, gin.H{"messages": messages})
}

func (h *Handlers) deleteMessage(c *gin.Context) {
	if err := h.svc.DeleteMessage(c.Request.Context(), c.Param("channelId"), c.Param("messageId")); err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, gin.H{"deleted": true})
}

type updateMessageRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

func (h *Handlers) updateMessage(c *gin.Context) {
	var body updateMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "invalid request body"))
		return
	}
	message, err := h.svc.UpdateMessage(c.Request.Context(), c.Param("channelId"), c.Param("messageId"), body.Content, body.Metadata)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, gin.H{"message": message})
}

func (h *Handlers) clearChannel(c *gin.Context) {
	if err := h.svc.ClearChannel(c.Request.Context(), c.Param("channelId")); err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, gin.H{"cleared": true})
}

// --- Channels ---

type createChannelRequest struct {
	Name            string         `json:"name"`
	ParticipantIDs  []string       `json:"participantCentralUserIds"`
	Metadata        map[string]any `json:"metadata"`
	MessageServerID string         `json:"message_server_id"`
}

func (h *Handlers) createChannel(c *gin.Context) {
	var body createChannelRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "invalid request body"))
		return
	}
	if body.MessageServerID != "" && body.MessageServerID != h.svc.ServerID() {
		apierror.Write(c, apierror.New(apierror.CodeForbiddenServerMismatch, "message server does not match this instance"))
		return
	}

	channel, err := h.svc.CreateGroupChannel(c.Request.Context(), body.Name, body.ParticipantIDs, body.Metadata)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	created(c, gin.H{"channel": channel})
}

func (h *Handlers) getChannelDetails(c *gin.Context) {
	details, err := h.svc.GetChannelDetails(c.Request.Context(), c.Param("channelId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, details)
}

func (h *Handlers) getParticipants(c *gin.Context) {
	participants, err := h.svc.GetParticipants(c.Request.Context(), c.Param("channelId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	if participants == nil {
		participants = []string{}
	}
	ok(c, gin.H{"participants": participants})
}

// getChannelAgents lists the channel participants that are registered as
// agents on the current server.
func (h *Handlers) getChannelAgents(c *gin.Context) {
	ctx := c.Request.Context()
	participants, err := h.svc.GetParticipants(ctx, c.Param("channelId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	serverAgents, err := h.svc.ListAgentsForServer(ctx, h.svc.ServerID())
	if err != nil {
		apierror.Write(c, err)
		return
	}

	registered := make(map[string]struct{}, len(serverAgents))
	for _, id := range serverAgents {
		registered[id] = struct{}{}
	}
	agents := []string{}
	for _, id := range participants {
		if _, isAgent := registered[id]; isAgent {
			agents = append(agents, id)
		}
	}
	ok(c, gin.H{"agents": agents})
}

type channelAgentRequest struct {
	AgentID string `json:"agentId"`
}

func (h *Handlers) addChannelAgent(c *gin.Context) {
	var body channelAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentID == "" {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "agentId is required"))
		return
	}
	if err := h.svc.AddParticipants(c.Request.Context(), c.Param("channelId"), []string{body.AgentID}); err != nil {
		apierror.Write(c, err)
		return
	}
	created(c, gin.H{"agentId": body.AgentID})
}

func (h *Handlers) removeChannelAgent(c *gin.Context) {
	if err := h.svc.RemoveParticipant(c.Request.Context(), c.Param("channelId"), c.Param("agentId")); err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, gin.H{"removed": true})
}

type updateChannelRequest struct {
	Name           *string        `json:"name"`
	ParticipantIDs []string       `json:"participantCentralUserIds"`
	Metadata       map[string]any `json:"metadata"`
}

func (h *Handlers) updateChannel(c *gin.Context) {
	var body updateChannelRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "invalid request body"))
		return
	}
	channel, err := h.svc.UpdateChannel(c.Request.Context(), c.Param("channelId"), repository.ChannelUpdate{
		Name:         body.Name,
		Metadata:     body.Metadata,
		Participants: body.ParticipantIDs,
	})
	if err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, gin.H{"channel": channel})
}

func (h *Handlers) deleteChannel(c *gin.Context) {
	if err := h.svc.DeleteChannel(c.Request.Context(), c.Param("channelId")); err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, gin.H{"deleted": true})
}

type generateTitleRequest struct {
	AgentID string `json:"agentId"`
}

func (h *Handlers) generateTitle(c *gin.Context) {
	var body generateTitleRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentID == "" {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "agentId is required"))
		return
	}
	title, err := h.svc.GenerateTitle(c.Request.Context(), c.Param("channelId"), body.AgentID)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, gin.H{"title": title})
}

// --- Servers ---

func (h *Handlers) getCurrentServer(c *gin.Context) {
	server, err := h.svc.GetCurrentServer(c.Request.Context())
	if err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, gin.H{"server": server})
}

func (h *Handlers) listServers(c *gin.Context) {
	servers, err := h.svc.ListServers(c.Request.Context())
	if err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, gin.H{"servers": servers})
}

type createServerRequest struct {
	Name       string         `json:"name"`
	SourceType string         `json:"sourceType"`
	SourceID   string         `json:"sourceId"`
	Metadata   map[string]any `json:"metadata"`
}

func (h *Handlers) createServer(c *gin.Context) {
	var body createServerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "invalid request body"))
		return
	}
	server, err := h.svc.CreateServer(c.Request.Context(), body.Name, body.SourceType, body.SourceID, body.Metadata)
	if err != nil {
		apierror.Write(c, err)
		return
	}
	created(c, gin.H{"server": server})
}

func (h *Handlers) listServerAgents(c *gin.Context) {
	agents, err := h.svc.ListAgentsForServer(c.Request.Context(), c.Param("serverId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	if agents == nil {
		agents = []string{}
	}
	ok(c, gin.H{"agents": agents})
}

type serverAgentRequest struct {
	AgentID string `json:"agentId"`
}

func (h *Handlers) addServerAgent(c *gin.Context) {
	var body serverAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.AgentID == "" {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "agentId is required"))
		return
	}
	if err := h.svc.AddAgentToServer(c.Request.Context(), c.Param("serverId"), body.AgentID); err != nil {
		apierror.Write(c, err)
		return
	}
	created(c, gin.H{"agentId": body.AgentID})
}

func (h *Handlers) removeServerAgent(c *gin.Context) {
	if err := h.svc.RemoveAgentFromServer(c.Request.Context(), c.Param("serverId"), c.Param("agentId")); err != nil {
		apierror.Write(c, err)
		return
	}
	ok(c, gin.H{"removed": true})
}

func (h *Handlers) listAgentServers(c *gin.Context) {
	servers, err := h.svc.ListServersForAgent(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	if servers == nil {
		servers = []string{}
	}
	ok(c, gin.H{"servers": servers})
}
