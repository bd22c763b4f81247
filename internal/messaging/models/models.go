// Package models defines the message-routing core's persistent entities.
package models

import "time"

// ChannelType discriminates two-party from n-party channels.
type ChannelType string

const (
	ChannelTypeDM    ChannelType = "DM"
	ChannelTypeGroup ChannelType = "GROUP"
)

// SourceType records which ingress produced an entity.
const (
	SourceTypeAPI        = "api_message"
	SourceTypeSocket     = "socket_message"
	SourceTypeAgent      = "agent_response"
	SourceTypeJobRequest = "job_request"
	SourceTypeSession    = "session_message"
)

// MessageServer is the root of the channel hierarchy. One instance is the
// "current server" this process owns; message mutations are isolated to it.
type MessageServer struct {
	ID         string         `json:"id" db:"id"`
	Name       string         `json:"name" db:"name"`
	SourceType string         `json:"sourceType" db:"source_type"`
	SourceID   string         `json:"sourceId,omitempty" db:"source_id"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt  time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time      `json:"updatedAt" db:"updated_at"`
}

// Channel is a conversation container. A DM channel has exactly two distinct
// participants at creation; a GROUP has at least one.
type Channel struct {
	ID              string         `json:"id" db:"id"`
	MessageServerID string         `json:"messageServerId" db:"message_server_id"`
	Name            string         `json:"name" db:"name"`
	Type            ChannelType    `json:"type" db:"type"`
	SourceType      string         `json:"sourceType,omitempty" db:"source_type"`
	Metadata        map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt       time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time      `json:"updatedAt" db:"updated_at"`
}

// Message is a persisted channel message from a user or an agent.
type Message struct {
	ID                 string         `json:"id" db:"id"`
	ChannelID          string         `json:"channelId" db:"channel_id"`
	AuthorID           string         `json:"authorId" db:"author_id"`
	Content            string         `json:"content" db:"content"`
	RawMessage         map[string]any `json:"rawMessage,omitempty" db:"-"`
	SourceType         string         `json:"sourceType" db:"source_type"`
	SourceID           string         `json:"sourceId,omitempty" db:"source_id"`
	InReplyToMessageID string         `json:"inReplyToMessageId,omitempty" db:"in_reply_to_message_id"`
	Metadata           map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt          time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time      `json:"updatedAt" db:"updated_at"`
}

// AuthorDisplayName reads the display name the ingress recorded, if any.
func (m *Message) AuthorDisplayName() string {
	if m.Metadata == nil {
		return ""
	}
	name, _ := m.Metadata["user_display_name"].(string)
	return name
}
