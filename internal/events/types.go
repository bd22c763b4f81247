// Package events provides event types and utilities for the Agentmesh event system.
package events

// Topics for the message pipeline.
const (
	NewMessage         = "new_message"
	MessageStreamChunk = "message_stream_chunk"
	MessageStreamError = "message_stream_error"
	ServerAgentUpdate  = "server_agent_update"
	MessageDeleted     = "message_deleted"
	ChannelCleared     = "channel_cleared"
	EntityJoined       = "entity_joined"
)

// ServerAgentUpdate event types.
const (
	AgentAddedToServer     = "agent_added_to_server"
	AgentRemovedFromServer = "agent_removed_from_server"
)

// MessagePayload is the canonical snake_case envelope published on the
// new_message topic. created_at is unix milliseconds.
type MessagePayload struct {
	ID                 string         `json:"id"`
	ChannelID          string         `json:"channel_id"`
	MessageServerID    string         `json:"message_server_id"`
	AuthorID           string         `json:"author_id"`
	Content            string         `json:"content"`
	CreatedAt          int64          `json:"created_at"`
	SourceType         string         `json:"source_type"`
	RawMessage         map[string]any `json:"raw_message,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	InReplyToMessageID string         `json:"in_reply_to_message_id,omitempty"`
	AuthorDisplayName  string         `json:"author_display_name,omitempty"`
}

// StreamChunkPayload is published on message_stream_chunk for each streamed
// fragment of an in-flight agent reply. Index increases strictly per message.
type StreamChunkPayload struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Chunk     string `json:"chunk"`
	Index     int    `json:"index"`
	AgentID   string `json:"agentId"`
}

// StreamErrorPayload terminates a stream on message_stream_error.
type StreamErrorPayload struct {
	ChannelID   string `json:"channelId"`
	MessageID   string `json:"messageId"`
	AgentID     string `json:"agentId"`
	Error       string `json:"error"`
	PartialText string `json:"partialText,omitempty"`
}

// ServerAgentPayload announces agent membership changes on a message server.
type ServerAgentPayload struct {
	Type            string `json:"type"`
	MessageServerID string `json:"messageServerId"`
	AgentID         string `json:"agentId"`
}

// MessageDeletedPayload is published when a single message is removed.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

// ChannelClearedPayload is published when all messages of a channel are removed.
type ChannelClearedPayload struct {
	ChannelID string `json:"channelId"`
}

// EntityJoinedPayload tells agent runtimes that an entity entered a room, so
// they can provision their local world, room and entity records.
type EntityJoinedPayload struct {
	EntityID string         `json:"entityId"`
	WorldID  string         `json:"worldId"`
	RoomID   string         `json:"roomId"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
