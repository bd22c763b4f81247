// Package socketapi defines the socket wire protocol: the message envelope,
// client event tags and server event names.
package socketapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventType identifies an envelope on the wire. Clients may send the numeric
// tags 1 (ROOM_JOINING) and 2 (SEND_MESSAGE) or the event name; the server
// always emits names.
type EventType string

// Client to server events.
const (
	EventRoomJoining      EventType = "ROOM_JOINING"
	EventSendMessage      EventType = "SEND_MESSAGE"
	EventSubscribeLogs    EventType = "subscribe_logs"
	EventUnsubscribeLogs  EventType = "unsubscribe_logs"
	EventUpdateLogFilters EventType = "update_log_filters"
)

// Server to client events.
const (
	EventConnectionEstablished    EventType = "connection_established"
	EventAuthenticated            EventType = "authenticated"
	EventChannelJoined            EventType = "channel_joined"
	EventRoomJoined               EventType = "room_joined"
	EventMessageBroadcast         EventType = "messageBroadcast"
	EventMessageAck               EventType = "messageAck"
	EventMessageError             EventType = "messageError"
	EventMessageDeleted           EventType = "messageDeleted"
	EventChannelCleared           EventType = "channelCleared"
	EventChannelUpdated           EventType = "channelUpdated"
	EventChannelDeleted           EventType = "channelDeleted"
	EventMessageStreamChunk       EventType = "messageStreamChunk"
	EventMessageStreamError       EventType = "messageStreamError"
	EventLogStream                EventType = "log_stream"
	EventLogSubscriptionConfirmed EventType = "log_subscription_confirmed"
	EventLogFiltersUpdated        EventType = "log_filters_updated"
)

// numericTags maps the legacy numeric client tags to event names.
var numericTags = map[int]EventType{
	1: EventRoomJoining,
	2: EventSendMessage,
}

// UnmarshalJSON accepts both `"ROOM_JOINING"` and the numeric tag `1`.
func (t *EventType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		if n, err := strconv.Atoi(name); err == nil {
			if tag, ok := numericTags[n]; ok {
				*t = tag
				return nil
			}
		}
		*t = EventType(name)
		return nil
	}
	var tag int
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("event type must be a string or numeric tag")
	}
	name2, ok := numericTags[tag]
	if !ok {
		return fmt.Errorf("unknown numeric event tag %d", tag)
	}
	*t = name2
	return nil
}

// Envelope is the frame exchanged on the socket in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a marshaled payload.
func NewEnvelope(event EventType, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Type: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: event, Payload: data}, nil
}

// ParsePayload unmarshals the envelope payload into v.
func (e *Envelope) ParsePayload(v any) error {
	if e.Payload == nil {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// RoomJoinPayload asks to join a channel room. roomId is a legacy alias for
// channelId.
type RoomJoinPayload struct {
	ChannelID       string         `json:"channelId"`
	RoomID          string         `json:"roomId"`
	AgentID         string         `json:"agentId,omitempty"`
	EntityID        string         `json:"entityId,omitempty"`
	MessageServerID string         `json:"messageServerId,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Channel returns channelId, falling back to the legacy roomId alias.
func (p *RoomJoinPayload) Channel() string {
	if p.ChannelID != "" {
		return p.ChannelID
	}
	return p.RoomID
}

// SendMessagePayload submits a message over the socket.
type SendMessagePayload struct {
	ChannelID       string         `json:"channelId"`
	RoomID          string         `json:"roomId"`
	SenderID        string         `json:"senderId"`
	SenderName      string         `json:"senderName,omitempty"`
	Message         string         `json:"message"`
	MessageServerID string         `json:"messageServerId,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Attachments     []any          `json:"attachments,omitempty"`
	TargetUserID    string         `json:"targetUserId,omitempty"`
	// MessageID is the client-assigned id echoed back in the ack.
	MessageID string `json:"messageId,omitempty"`
}

// Channel returns channelId, falling back to the legacy roomId alias.
func (p *SendMessagePayload) Channel() string {
	if p.ChannelID != "" {
		return p.ChannelID
	}
	return p.RoomID
}

// BroadcastPayload is the messageBroadcast event body. roomId mirrors
// channelId for older clients.
type BroadcastPayload struct {
	ID          string         `json:"id"`
	SenderID    string         `json:"senderId"`
	SenderName  string         `json:"senderName,omitempty"`
	Text        string         `json:"text"`
	ChannelID   string         `json:"channelId"`
	RoomID      string         `json:"roomId"`
	ServerID    string         `json:"serverId"`
	CreatedAt   int64          `json:"createdAt"`
	Source      string         `json:"source,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attachments []any          `json:"attachments,omitempty"`
}

// AckPayload confirms a SEND_MESSAGE back to its sender.
type AckPayload struct {
	ClientMessageID string `json:"clientMessageId,omitempty"`
	MessageID       string `json:"messageId"`
	Status          string `json:"status"`
}

// ErrorPayload is the messageError event body.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ChannelID string `json:"channelId,omitempty"`
}

// LogFilters selects which log entries a subscribed socket receives.
// AgentName matches exactly; Level is the minimum numeric level.
type LogFilters struct {
	AgentName string `json:"agentName,omitempty"`
	Level     int    `json:"level,omitempty"`
}

// Matches reports whether an entry passes the filter.
func (f *LogFilters) Matches(entry *LogEntry) bool {
	if f == nil {
		return true
	}
	if f.AgentName != "" && f.AgentName != entry.AgentName {
		return false
	}
	return entry.Level >= f.Level
}

// LogEntry is one structured log line forwarded on log_stream.
type LogEntry struct {
	Time      time.Time `json:"time"`
	AgentName string    `json:"agentName,omitempty"`
	Level     int       `json:"level"`
	Message   string    `json:"message"`
}
