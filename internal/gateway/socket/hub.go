// Package socket is the realtime gateway: room membership, message fanout
// and the log stream, on top of the shared messaging service.
package socket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/service"
	"github.com/agentmesh/agentmesh/pkg/socketapi"
)

// Hub tracks connected sockets, their rooms and their log subscriptions.
// It implements service.Broadcaster so HTTP-posted messages reach rooms too.
type Hub struct {
	svc    *service.Service
	bus    bus.EventBus
	router *Router
	logger *logger.Logger

	mu            sync.RWMutex
	clients       map[*Client]bool
	rooms         map[string]map[*Client]bool
	entitySockets map[string]map[*Client]bool
	socketAgent   map[*Client]string
	logSubs       map[*Client]*socketapi.LogFilters

	subs     []bus.Subscription
	stopOnce sync.Once
}

// NewHub wires the hub and its router. dataIsolation gates room joins on
// channel membership.
func NewHub(svc *service.Service, eventBus bus.EventBus, dataIsolation bool, log *logger.Logger) *Hub {
	h := &Hub{
		svc:           svc,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "socket_hub")),
		clients:       make(map[*Client]bool),
		rooms:         make(map[string]map[*Client]bool),
		entitySockets: make(map[string]map[*Client]bool),
		socketAgent:   make(map[*Client]string),
		logSubs:       make(map[*Client]*socketapi.LogFilters),
	}
	h.router = NewRouter(h, svc, eventBus, dataIsolation, log)
	return h
}

// Router exposes the event router, mainly for tests.
func (h *Hub) Router() *Router { return h.router }

// Start attaches the bus relays for in-flight stream events.
func (h *Hub) Start() error {
	chunkSub, err := h.bus.Subscribe(events.MessageStreamChunk, h.onStreamChunk)
	if err != nil {
		return err
	}
	h.subs = append(h.subs, chunkSub)

	errSub, err := h.bus.Subscribe(events.MessageStreamError, h.onStreamError)
	if err != nil {
		return err
	}
	h.subs = append(h.subs, errSub)
	return nil
}

// Cleanup detaches bus relays and drops every connection.
func (h *Hub) Cleanup() {
	h.stopOnce.Do(func() {
		for _, sub := range h.subs {
			_ = sub.Unsubscribe()
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			close(client.send)
		}
		h.clients = make(map[*Client]bool)
		h.rooms = make(map[string]map[*Client]bool)
		h.entitySockets = make(map[string]map[*Client]bool)
		h.socketAgent = make(map[*Client]string)
		h.logSubs = make(map[*Client]*socketapi.LogFilters)
	})
}

// Register indexes a new connection under its entity.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	if client.EntityID != "" {
		if h.entitySockets[client.EntityID] == nil {
			h.entitySockets[client.EntityID] = make(map[*Client]bool)
		}
		h.entitySockets[client.EntityID][client] = true
	}
	h.logger.Debug("socket registered", zap.String("socket_id", client.ID))
}

// Unregister removes a connection from every index.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for channelID, members := range h.rooms {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, channelID)
		}
	}
	if sockets, ok := h.entitySockets[client.EntityID]; ok {
		delete(sockets, client)
		if len(sockets) == 0 {
			delete(h.entitySockets, client.EntityID)
		}
	}
	delete(h.socketAgent, client)
	delete(h.logSubs, client)

	h.logger.Debug("socket unregistered", zap.String("socket_id", client.ID))
}

// JoinRoom adds the socket to a channel room.
func (h *Hub) JoinRoom(client *Client, channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[channelID] == nil {
		h.rooms[channelID] = make(map[*Client]bool)
	}
	h.rooms[channelID][client] = true
}

// AssociateAgent records the agent a socket speaks for.
func (h *Hub) AssociateAgent(client *Client, agentID string) {
	h.mu.Lock()
	h.socketAgent[client] = agentID
	h.mu.Unlock()
}

// SetLogFilters subscribes a socket to the log stream with the given filter.
func (h *Hub) SetLogFilters(client *Client, filters *socketapi.LogFilters) {
	h.mu.Lock()
	h.logSubs[client] = filters
	h.mu.Unlock()
}

// ClearLogFilters drops the socket's log subscription.
func (h *Hub) ClearLogFilters(client *Client) {
	h.mu.Lock()
	delete(h.logSubs, client)
	h.mu.Unlock()
}

// InRoom reports whether a socket already joined a channel room.
func (h *Hub) InRoom(client *Client, channelID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[channelID][client]
}

// ClientCount reports the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// EmitToRoom sends an event to every socket in a channel room. except, when
// non-nil, is skipped.
func (h *Hub) EmitToRoom(channelID string, event socketapi.EventType, payload any, except *Client) {
	env, err := socketapi.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("failed to build room envelope", zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal room envelope", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[channelID] {
		if client == except {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("dropping room event, slow socket", zap.String("socket_id", client.ID))
		}
	}
}

// BroadcastLog forwards a log entry to subscribed sockets whose filter
// matches.
func (h *Hub) BroadcastLog(entry *socketapi.LogEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client, filters := range h.logSubs {
		if filters.Matches(entry) {
			client.Emit(socketapi.EventLogStream, entry)
		}
	}
}

// broadcastPayload shapes a stored message for room fanout.
func broadcastPayload(message *models.Message, serverID string) socketapi.BroadcastPayload {
	return socketapi.BroadcastPayload{
		ID:         message.ID,
		SenderID:   message.AuthorID,
		SenderName: message.AuthorDisplayName(),
		Text:       message.Content,
		ChannelID:  message.ChannelID,
		RoomID:     message.ChannelID,
		ServerID:   serverID,
		CreatedAt:  message.CreatedAt.UnixMilli(),
		Source:     message.SourceType,
		Metadata:   message.Metadata,
	}
}

// BroadcastMessage implements service.Broadcaster.
func (h *Hub) BroadcastMessage(channelID string, message *models.Message) {
	h.EmitToRoom(channelID, socketapi.EventMessageBroadcast, broadcastPayload(message, h.svc.ServerID()), nil)
}

// BroadcastMessageDeleted implements service.Broadcaster.
func (h *Hub) BroadcastMessageDeleted(channelID, messageID string) {
	h.EmitToRoom(channelID, socketapi.EventMessageDeleted, map[string]any{
		"messageId": messageID,
		"channelId": channelID,
	}, nil)
}

// BroadcastChannelCleared implements service.Broadcaster.
func (h *Hub) BroadcastChannelCleared(channelID string) {
	h.EmitToRoom(channelID, socketapi.EventChannelCleared, map[string]any{
		"channelId": channelID,
	}, nil)
}

// BroadcastChannelUpdated implements service.Broadcaster.
func (h *Hub) BroadcastChannelUpdated(channel *models.Channel) {
	h.EmitToRoom(channel.ID, socketapi.EventChannelUpdated, channel, nil)
}

// BroadcastChannelDeleted implements service.Broadcaster.
func (h *Hub) BroadcastChannelDeleted(channelID string) {
	h.EmitToRoom(channelID, socketapi.EventChannelDeleted, map[string]any{
		"channelId": channelID,
	}, nil)
}

func (h *Hub) onStreamChunk(ctx context.Context, event *bus.Event) error {
	payload, ok := event.Data.(events.StreamChunkPayload)
	if !ok {
		return nil
	}
	h.EmitToRoom(payload.ChannelID, socketapi.EventMessageStreamChunk, payload, nil)
	return nil
}

func (h *Hub) onStreamError(ctx context.Context, event *bus.Event) error {
	payload, ok := event.Data.(events.StreamErrorPayload)
	if !ok {
		return nil
	}
	h.EmitToRoom(payload.ChannelID, socketapi.EventMessageStreamError, payload, nil)
	return nil
}
