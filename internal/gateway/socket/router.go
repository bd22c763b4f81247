package socket

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/validate"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/service"
	"github.com/agentmesh/agentmesh/pkg/socketapi"
)

// Router dispatches inbound socket envelopes to their handlers.
type Router struct {
	hub           *Hub
	svc           *service.Service
	bus           bus.EventBus
	dataIsolation bool
	logger        *logger.Logger
}

func NewRouter(hub *Hub, svc *service.Service, eventBus bus.EventBus, dataIsolation bool, log *logger.Logger) *Router {
	return &Router{
		hub:           hub,
		svc:           svc,
		bus:           eventBus,
		dataIsolation: dataIsolation,
		logger:        log.WithFields(zap.String("component", "socket_router")),
	}
}

// Handle routes one inbound envelope.
func (r *Router) Handle(ctx context.Context, c *Client, env *socketapi.Envelope) {
	switch env.Type {
	case socketapi.EventRoomJoining:
		r.handleRoomJoining(ctx, c, env)
	case socketapi.EventSendMessage:
		r.handleSendMessage(ctx, c, env)
	case socketapi.EventSubscribeLogs:
		r.handleSubscribeLogs(c, env)
	case socketapi.EventUnsubscribeLogs:
		r.hub.ClearLogFilters(c)
		c.Emit(socketapi.EventLogSubscriptionConfirmed, map[string]any{"subscribed": false})
	case socketapi.EventUpdateLogFilters:
		r.handleUpdateLogFilters(c, env)
	default:
		c.emitError(string(apierror.CodeInvalidContent), "unknown event type", "")
	}
}

func (r *Router) handleRoomJoining(ctx context.Context, c *Client, env *socketapi.Envelope) {
	var payload socketapi.RoomJoinPayload
	if err := env.ParsePayload(&payload); err != nil {
		c.emitError(string(apierror.CodeInvalidContent), "invalid ROOM_JOINING payload", "")
		return
	}

	channelID := payload.Channel()
	if !validate.IsValidChannelID(channelID) {
		c.emitError(string(apierror.CodeInvalidChannelID), "channelId is not a valid identifier", channelID)
		return
	}

	if !r.allowAccess(ctx, c, channelID) {
		c.emitError(string(apierror.CodeAccessDeniedChannel), "entity is not a participant of this channel", channelID)
		return
	}

	r.hub.JoinRoom(c, channelID)
	if validate.IsValidID(payload.AgentID) {
		r.hub.AssociateAgent(c, payload.AgentID)
	}

	joined := map[string]any{
		"channelId": channelID,
		"roomId":    channelID,
		"entityId":  c.EntityID,
	}
	c.Emit(socketapi.EventChannelJoined, joined)
	// Mirrored for clients that predate the channel_joined rename.
	c.Emit(socketapi.EventRoomJoined, joined)

	r.synthesizeEntityJoined(ctx, c, channelID, &payload)
}

// synthesizeEntityJoined tells agent runtimes that an entity entered a room.
func (r *Router) synthesizeEntityJoined(ctx context.Context, c *Client, channelID string, payload *socketapi.RoomJoinPayload) {
	entityID := payload.EntityID
	if entityID == "" {
		entityID = c.EntityID
	}
	if entityID == "" {
		return
	}
	serverID := payload.MessageServerID
	if serverID == "" {
		serverID = r.svc.ServerID()
	}

	channelType := models.ChannelTypeGroup
	if channel, err := r.svc.GetChannel(ctx, channelID); err == nil {
		channelType = channel.Type
	}

	metadata := map[string]any{"type": string(channelType)}
	for k, v := range payload.Metadata {
		if _, reserved := metadata[k]; !reserved {
			metadata[k] = v
		}
	}
	if err := r.bus.Publish(ctx, events.EntityJoined, bus.NewEvent(events.EntityJoined, "socket", events.EntityJoinedPayload{
		EntityID: entityID,
		WorldID:  serverID,
		RoomID:   channelID,
		Metadata: metadata,
	})); err != nil {
		r.logger.Warn("failed to publish entity_joined", zap.Error(err))
	}
}

// allowAccess checks channel membership when data isolation is on, caching
// the verdict per socket.
func (r *Router) allowAccess(ctx context.Context, c *Client, channelID string) bool {
	if !r.dataIsolation {
		return true
	}
	if allowed, known := c.cachedAccess(channelID); known {
		return allowed
	}

	allowed, err := r.svc.IsParticipant(ctx, channelID, c.EntityID)
	if err != nil {
		// Channels that do not exist yet are joinable; they are created on
		// the first message.
		if apierror.As(err).Code == apierror.CodeChannelNotFound {
			allowed = true
		} else {
			r.logger.Warn("participant check failed", zap.String("channel_id", channelID), zap.Error(err))
			return false
		}
	}
	c.cacheAccess(channelID, allowed)
	return allowed
}

func (r *Router) handleSendMessage(ctx context.Context, c *Client, env *socketapi.Envelope) {
	var payload socketapi.SendMessagePayload
	if err := env.ParsePayload(&payload); err != nil {
		c.emitError(string(apierror.CodeInvalidContent), "invalid SEND_MESSAGE payload", "")
		return
	}

	channelID := payload.Channel()
	if !validate.IsValidChannelID(channelID) {
		c.emitError(string(apierror.CodeInvalidChannelID), "channelId is not a valid identifier", channelID)
		return
	}
	if !validate.IsValidID(payload.SenderID) {
		c.emitError(string(apierror.CodeInvalidID), "senderId is not a valid identifier", channelID)
		return
	}
	if payload.Message == "" {
		c.emitError(string(apierror.CodeInvalidContent), "message must not be empty", channelID)
		return
	}

	metadata := make(map[string]any, len(payload.Metadata)+3)
	for k, v := range payload.Metadata {
		metadata[k] = v
	}
	if payload.SenderName != "" {
		metadata["user_display_name"] = payload.SenderName
	}
	if payload.TargetUserID != "" && metadata["targetUserId"] == nil {
		metadata["targetUserId"] = payload.TargetUserID
	}
	if len(payload.Attachments) > 0 {
		metadata["attachments"] = payload.Attachments
	}

	serverID := payload.MessageServerID
	if serverID == "" {
		serverID = r.svc.ServerID()
	}

	// PostMessage persists, publishes new_message and broadcasts to the room
	// through the hub, in that order.
	message, err := r.svc.PostMessage(ctx, service.PostMessageParams{
		ChannelID:       channelID,
		AuthorID:        payload.SenderID,
		MessageServerID: serverID,
		Content:         payload.Message,
		Metadata:        metadata,
		SourceType:      models.SourceTypeSocket,
	})
	if err != nil {
		apiErr := apierror.As(err)
		c.emitError(string(apiErr.Code), apiErr.Message, channelID)
		return
	}

	// Sockets that sent without joining the room still get the broadcast.
	if !r.hub.InRoom(c, channelID) {
		c.Emit(socketapi.EventMessageBroadcast, broadcastPayload(message, serverID))
	}
	c.Emit(socketapi.EventMessageAck, socketapi.AckPayload{
		ClientMessageID: payload.MessageID,
		MessageID:       message.ID,
		Status:          "success",
	})
}

func (r *Router) handleSubscribeLogs(c *Client, env *socketapi.Envelope) {
	filters := &socketapi.LogFilters{}
	if err := env.ParsePayload(filters); err != nil {
		c.emitError(string(apierror.CodeInvalidContent), "invalid log filter payload", "")
		return
	}
	r.hub.SetLogFilters(c, filters)
	c.Emit(socketapi.EventLogSubscriptionConfirmed, map[string]any{
		"subscribed": true,
		"filters":    filters,
	})
}

func (r *Router) handleUpdateLogFilters(c *Client, env *socketapi.Envelope) {
	filters := &socketapi.LogFilters{}
	if err := env.ParsePayload(filters); err != nil {
		c.emitError(string(apierror.CodeInvalidContent), "invalid log filter payload", "")
		return
	}
	r.hub.SetLogFilters(c, filters)
	c.Emit(socketapi.EventLogFiltersUpdated, map[string]any{"filters": filters})
}
