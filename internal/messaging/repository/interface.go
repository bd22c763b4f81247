// Package repository provides persistent storage for servers, channels and
// messages.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/agentmesh/agentmesh/internal/messaging/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ListMessagesOptions controls message pagination. Results are always ordered
// newest first; Before restricts to messages created strictly before the
// given instant.
type ListMessagesOptions struct {
	Limit  int
	Before *time.Time
}

// ChannelUpdate carries the mutable channel fields. Nil fields are left
// unchanged; a non-nil Participants slice replaces the participant set.
type ChannelUpdate struct {
	Name         *string
	Metadata     map[string]any
	Participants []string
}

// Store defines the storage operations for the message-routing core.
type Store interface {
	// Servers
	CreateServer(ctx context.Context, server *models.MessageServer) error
	GetServer(ctx context.Context, id string) (*models.MessageServer, error)
	GetServerBySourceID(ctx context.Context, sourceID string) (*models.MessageServer, error)
	ListServers(ctx context.Context) ([]*models.MessageServer, error)

	// Channels
	CreateChannel(ctx context.Context, channel *models.Channel, participantIDs []string) error
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	UpdateChannel(ctx context.Context, id string, update ChannelUpdate) (*models.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	ListChannelsForServer(ctx context.Context, serverID string) ([]*models.Channel, error)
	GetChannelParticipants(ctx context.Context, channelID string) ([]string, error)
	IsChannelParticipant(ctx context.Context, channelID, entityID string) (bool, error)
	AddChannelParticipants(ctx context.Context, channelID string, entityIDs []string) error
	FindDmChannel(ctx context.Context, serverID, firstUserID, secondUserID string) (*models.Channel, error)

	// Messages
	CreateMessage(ctx context.Context, message *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessage(ctx context.Context, id, content string, metadata map[string]any) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, channelID string, opts ListMessagesOptions) ([]*models.Message, error)
	CountMessages(ctx context.Context, channelID string) (int, error)
	// DeleteMessagesBatch removes up to batchSize of the oldest messages in
	// the channel and reports how many rows it deleted.
	DeleteMessagesBatch(ctx context.Context, channelID string, batchSize int) (int, error)

	// Agent registrations
	AddAgentToServer(ctx context.Context, serverID, agentID string) error
	RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error
	ListAgentsForServer(ctx context.Context, serverID string) ([]string, error)
	ListServersForAgent(ctx context.Context, agentID string) ([]string, error)

	Close() error
}
