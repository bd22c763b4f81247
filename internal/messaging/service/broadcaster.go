package service

import "github.com/agentmesh/agentmesh/internal/messaging/models"

// Broadcaster fans service-level events out to connected sockets. The socket
// gateway registers itself after startup; a nil broadcaster disables fanout.
type Broadcaster interface {
	BroadcastMessage(channelID string, message *models.Message)
	BroadcastMessageDeleted(channelID, messageID string)
	BroadcastChannelCleared(channelID string)
	BroadcastChannelUpdated(channel *models.Channel)
	BroadcastChannelDeleted(channelID string)
}
