package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/repository"
)

// defaultCentralURL is where replies go when no (or a non-local) central
// server URL is configured.
const defaultCentralURL = "http://localhost:3000"

// Connector is the per-agent worker. It consumes bus traffic addressed to
// its agent and posts the runtime's replies back to the central service.
type Connector struct {
	agentID    string
	runtime    Runtime
	store      repository.Store
	bus        bus.EventBus
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
	memories   *MemoryStore

	mu       sync.RWMutex
	servers  map[string]bool
	channels map[string]bool
	worlds   map[string]bool
	rooms    map[string]bool
	entities map[string]bool

	subs     []bus.Subscription
	stopOnce sync.Once
}

// NewConnector builds the worker. centralURL is restricted to localhost;
// anything else falls back to the default with a warning.
func NewConnector(agentID string, runtime Runtime, store repository.Store, eventBus bus.EventBus, centralURL, apiKey string, log *logger.Logger) *Connector {
	scoped := log.WithFields(zap.String("component", "agent_connector"), zap.String("agent_id", agentID))
	return &Connector{
		agentID:    agentID,
		runtime:    runtime,
		store:      store,
		bus:        eventBus,
		baseURL:    resolveCentralURL(centralURL, scoped),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     scoped,
		memories:   NewMemoryStore(),
		servers:    make(map[string]bool),
		channels:   make(map[string]bool),
		worlds:     make(map[string]bool),
		rooms:      make(map[string]bool),
		entities:   make(map[string]bool),
	}
}

// resolveCentralURL keeps reply egress on the local host.
func resolveCentralURL(raw string, log *logger.Logger) string {
	if raw == "" {
		return defaultCentralURL
	}
	parsed, err := url.Parse(raw)
	if err == nil {
		switch parsed.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return raw
		}
	}
	log.Warn("central server URL is not local, using default",
		zap.String("configured", raw),
		zap.String("default", defaultCentralURL))
	return defaultCentralURL
}

// Memories exposes the memory store, mainly for tests and debugging.
func (c *Connector) Memories() *MemoryStore { return c.memories }

// Start loads the server and channel caches and attaches the bus handlers.
func (c *Connector) Start(ctx context.Context) error {
	serverIDs, err := c.store.ListServersForAgent(ctx, c.agentID)
	if err != nil {
		return fmt.Errorf("loading agent servers: %w", err)
	}
	c.mu.Lock()
	for _, id := range serverIDs {
		c.servers[id] = true
	}
	c.mu.Unlock()
	if err := c.refreshChannels(ctx); err != nil {
		return err
	}

	for topic, handler := range map[string]bus.EventHandler{
		events.NewMessage:        c.onNewMessage,
		events.ServerAgentUpdate: c.onServerAgentUpdate,
		events.MessageDeleted:    c.onMessageDeleted,
		events.ChannelCleared:    c.onChannelCleared,
		events.EntityJoined:      c.onEntityJoined,
	} {
		sub, err := c.bus.Subscribe(topic, handler)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		c.subs = append(c.subs, sub)
	}

	c.logger.Info("agent connector started", zap.Int("servers", len(serverIDs)))
	return nil
}

// Cleanup detaches the bus handlers.
func (c *Connector) Cleanup() {
	c.stopOnce.Do(func() {
		for _, sub := range c.subs {
			_ = sub.Unsubscribe()
		}
	})
}

// refreshChannels rebuilds the valid-channel cache from the subscribed
// servers.
func (c *Connector) refreshChannels(ctx context.Context) error {
	c.mu.RLock()
	serverIDs := make([]string, 0, len(c.servers))
	for id := range c.servers {
		serverIDs = append(serverIDs, id)
	}
	c.mu.RUnlock()

	var listMu sync.Mutex
	channels := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, serverID := range serverIDs {
		serverID := serverID
		g.Go(func() error {
			list, err := c.store.ListChannelsForServer(gctx, serverID)
			if err != nil {
				return fmt.Errorf("loading channels for server %s: %w", serverID, err)
			}
			listMu.Lock()
			for _, channel := range list {
				channels[channel.ID] = true
			}
			listMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	c.channels = channels
	c.mu.Unlock()
	return nil
}

func (c *Connector) subscribedTo(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.servers[serverID]
}

// ensureLocal provisions the agent-local world, room and entity records.
func (c *Connector) ensureLocal(worldID, roomID, entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if worldID != "" {
		c.worlds[worldID] = true
	}
	if roomID != "" {
		c.rooms[roomID] = true
	}
	if entityID != "" {
		c.entities[entityID] = true
	}
}

// onNewMessage decides whether this agent should answer, then runs the
// runtime with streaming callbacks.
func (c *Connector) onNewMessage(ctx context.Context, event *bus.Event) error {
	payload, ok := event.Data.(events.MessagePayload)
	if !ok {
		return nil
	}
	if payload.ID == "" || payload.ChannelID == "" || payload.AuthorID == "" || payload.Content == "" {
		c.logger.Debug("dropping malformed message event")
		return nil
	}
	if !c.subscribedTo(payload.MessageServerID) {
		return nil
	}
	if payload.AuthorID == c.agentID {
		return nil
	}

	isParticipant, err := c.store.IsChannelParticipant(ctx, payload.ChannelID, c.agentID)
	if err != nil {
		c.logger.Warn("participant lookup failed", zap.String("channel_id", payload.ChannelID), zap.Error(err))
		return nil
	}
	if !isParticipant {
		return nil
	}

	c.ensureLocal(payload.MessageServerID, payload.ChannelID, payload.AuthorID)

	memory := &Memory{
		ID:        MemoryID(payload.ID, c.agentID),
		MessageID: payload.ID,
		ChannelID: payload.ChannelID,
		EntityID:  payload.AuthorID,
		Content:   payload.Content,
		CreatedAt: time.UnixMilli(payload.CreatedAt).UTC(),
	}
	if !c.memories.Put(memory) {
		c.logger.Debug("dropping already-seen message", zap.String("message_id", payload.ID))
		return nil
	}

	input := &Input{
		EntityID:  payload.AuthorID,
		ChannelID: payload.ChannelID,
		Content:   payload.Content,
		MessageID: payload.ID,
		Metadata:  payload.Metadata,
	}

	chunkIndex := 0
	callbacks := StreamCallbacks{
		OnStreamChunk: func(chunk string, messageID string) {
			if messageID == "" {
				messageID = payload.ID
			}
			c.publishChunk(ctx, payload.ChannelID, messageID, chunk, chunkIndex)
			chunkIndex++
		},
		OnResponse: func(resp *Response) {
			if resp.IsIgnored() {
				c.logger.Debug("runtime ignored message", zap.String("message_id", payload.ID))
				return
			}
			c.deliverReply(ctx, &payload, resp)
		},
		OnError: func(err error) {
			c.logger.Error("runtime failed", zap.String("message_id", payload.ID), zap.Error(err))
			c.publishStreamError(ctx, payload.ChannelID, payload.ID, err)
		},
	}

	if err := c.runtime.HandleMessageStream(ctx, c.agentID, input, callbacks); err != nil {
		c.logger.Error("runtime invocation failed", zap.String("message_id", payload.ID), zap.Error(err))
	}
	return nil
}

func (c *Connector) publishChunk(ctx context.Context, channelID, messageID, chunk string, index int) {
	if err := c.bus.Publish(ctx, events.MessageStreamChunk, bus.NewEvent(events.MessageStreamChunk, "agent_connector", events.StreamChunkPayload{
		ChannelID: channelID,
		MessageID: messageID,
		Chunk:     chunk,
		Index:     index,
		AgentID:   c.agentID,
	})); err != nil {
		c.logger.Warn("failed to publish stream chunk", zap.Error(err))
	}
}

func (c *Connector) publishStreamError(ctx context.Context, channelID, messageID string, cause error) {
	if err := c.bus.Publish(ctx, events.MessageStreamError, bus.NewEvent(events.MessageStreamError, "agent_connector", events.StreamErrorPayload{
		ChannelID: channelID,
		MessageID: messageID,
		AgentID:   c.agentID,
		Error:     cause.Error(),
	})); err != nil {
		c.logger.Warn("failed to publish stream error", zap.Error(err))
	}
}

// deliverReply records the reply as an agent memory and posts it to the
// central message service.
func (c *Connector) deliverReply(ctx context.Context, inbound *events.MessagePayload, resp *Response) {
	metadata := make(map[string]any, len(resp.Metadata)+1)
	for k, v := range resp.Metadata {
		metadata[k] = v
	}
	if len(resp.Actions) > 0 {
		metadata["actions"] = resp.Actions
	}

	body, err := json.Marshal(map[string]any{
		"author_id":              c.agentID,
		"agent_id":               c.agentID,
		"content":                resp.Text,
		"message_server_id":      inbound.MessageServerID,
		"in_reply_to_message_id": inbound.ID,
		"metadata":               metadata,
		"source_type":            models.SourceTypeAgent,
	})
	if err != nil {
		c.logger.Error("failed to marshal reply", zap.Error(err))
		return
	}

	endpoint := fmt.Sprintf("%s/api/channels/%s/messages", c.baseURL, inbound.ChannelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		c.logger.Error("failed to build reply request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("failed to post reply", zap.String("channel_id", inbound.ChannelID), zap.Error(err))
		return
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		c.logger.Error("central service rejected reply",
			zap.String("channel_id", inbound.ChannelID),
			zap.Int("status", res.StatusCode))
		return
	}

	c.memories.Put(&Memory{
		ID:        MemoryID(inbound.ID, c.agentID) + ":reply",
		MessageID: inbound.ID,
		ChannelID: inbound.ChannelID,
		EntityID:  c.agentID,
		Content:   resp.Text,
		CreatedAt: time.Now().UTC(),
	})
}

// onServerAgentUpdate tracks this agent's server membership.
func (c *Connector) onServerAgentUpdate(ctx context.Context, event *bus.Event) error {
	payload, ok := event.Data.(events.ServerAgentPayload)
	if !ok || payload.AgentID != c.agentID {
		return nil
	}

	c.mu.Lock()
	switch payload.Type {
	case events.AgentAddedToServer:
		c.servers[payload.MessageServerID] = true
	case events.AgentRemovedFromServer:
		delete(c.servers, payload.MessageServerID)
	}
	c.mu.Unlock()

	if err := c.refreshChannels(ctx); err != nil {
		c.logger.Warn("failed to refresh channel cache", zap.Error(err))
	}
	return nil
}

// onMessageDeleted forgets the per-agent memory of a deleted message.
func (c *Connector) onMessageDeleted(ctx context.Context, event *bus.Event) error {
	payload, ok := event.Data.(events.MessageDeletedPayload)
	if !ok {
		return nil
	}
	c.memories.Delete(MemoryID(payload.MessageID, c.agentID))
	return nil
}

// onChannelCleared forgets every memory of a cleared channel.
func (c *Connector) onChannelCleared(ctx context.Context, event *bus.Event) error {
	payload, ok := event.Data.(events.ChannelClearedPayload)
	if !ok {
		return nil
	}
	c.memories.DeleteByChannel(payload.ChannelID)
	return nil
}

// onEntityJoined provisions local records for entities entering rooms.
func (c *Connector) onEntityJoined(ctx context.Context, event *bus.Event) error {
	payload, ok := event.Data.(events.EntityJoinedPayload)
	if !ok {
		return nil
	}
	c.ensureLocal(payload.WorldID, payload.RoomID, payload.EntityID)
	return nil
}
