package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/validate"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/repository"
)

// ChannelDetails bundles a channel with its participant set.
type ChannelDetails struct {
	Channel      *models.Channel `json:"channel"`
	Participants []string        `json:"participants"`
}

// CreateGroupChannel creates a named group channel on the current server.
func (s *Service) CreateGroupChannel(ctx context.Context, name string, participantIDs []string, metadata map[string]any) (*models.Channel, error) {
	if name == "" {
		return nil, apierror.New(apierror.CodeMissingFields, "name is required")
	}
	for _, id := range participantIDs {
		if !validate.IsValidID(id) {
			return nil, apierror.New(apierror.CodeInvalidID, "participant is not a valid identifier")
		}
	}

	channel := &models.Channel{
		MessageServerID: s.serverID,
		Name:            name,
		Type:            models.ChannelTypeGroup,
		Metadata:        metadata,
	}
	if err := s.store.CreateChannel(ctx, channel, participantIDs); err != nil {
		s.log.Error("failed to create channel", zap.String("name", name), zap.Error(err))
		return nil, apierror.New(apierror.CodeChannelCreationFailed, "failed to create channel")
	}
	return channel, nil
}

// FindOrCreateDmChannel returns the DM channel for the pair, creating it when
// absent. The pair must be two distinct well-formed identifiers.
func (s *Service) FindOrCreateDmChannel(ctx context.Context, firstUserID, secondUserID string, metadata map[string]any) (*models.Channel, error) {
	if !validate.IsValidID(firstUserID) || !validate.IsValidID(secondUserID) {
		return nil, apierror.New(apierror.CodeInvalidID, "participant is not a valid identifier")
	}
	if firstUserID == secondUserID {
		return nil, apierror.New(apierror.CodeInvalidID, "a DM requires two distinct participants")
	}

	existing, err := s.store.FindDmChannel(ctx, s.serverID, firstUserID, secondUserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to look up DM channel")
	}

	channel := &models.Channel{
		MessageServerID: s.serverID,
		Type:            models.ChannelTypeDM,
		Metadata:        metadata,
	}
	channel.Name = defaultChannelName(models.ChannelTypeDM, firstUserID)
	if err := s.store.CreateChannel(ctx, channel, []string{firstUserID, secondUserID}); err != nil {
		return nil, apierror.New(apierror.CodeChannelCreationFailed, "failed to create DM channel")
	}
	return channel, nil
}

// CreateChannel persists a fully specified channel. Used by collaborating
// routers that manage their own channel shape (sessions, jobs).
func (s *Service) CreateChannel(ctx context.Context, channel *models.Channel, participantIDs []string) error {
	if channel.MessageServerID == "" {
		channel.MessageServerID = s.serverID
	}
	if err := s.store.CreateChannel(ctx, channel, participantIDs); err != nil {
		return apierror.New(apierror.CodeChannelCreationFailed, "failed to create channel")
	}
	return nil
}

// GetChannelDetails returns the channel together with its participants.
func (s *Service) GetChannelDetails(ctx context.Context, channelID string) (*ChannelDetails, error) {
	if !validate.IsValidChannelID(channelID) {
		return nil, apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	channel, err := s.requireChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.GetChannelParticipants(ctx, channelID)
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to list participants")
	}
	return &ChannelDetails{Channel: channel, Participants: participants}, nil
}

// GetChannel returns the channel record.
func (s *Service) GetChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	if !validate.IsValidChannelID(channelID) {
		return nil, apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	return s.requireChannel(ctx, channelID)
}

// ListChannels lists the channels of the current server.
func (s *Service) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	channels, err := s.store.ListChannelsForServer(ctx, s.serverID)
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to list channels")
	}
	return channels, nil
}

// GetParticipants lists the channel's participant identifiers.
func (s *Service) GetParticipants(ctx context.Context, channelID string) ([]string, error) {
	if !validate.IsValidChannelID(channelID) {
		return nil, apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	if _, err := s.requireChannel(ctx, channelID); err != nil {
		return nil, err
	}
	participants, err := s.store.GetChannelParticipants(ctx, channelID)
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to list participants")
	}
	return participants, nil
}

// IsParticipant reports whether the entity belongs to the channel.
func (s *Service) IsParticipant(ctx context.Context, channelID, entityID string) (bool, error) {
	ok, err := s.store.IsChannelParticipant(ctx, channelID, entityID)
	if err != nil {
		return false, apierror.New(apierror.CodePersistenceError, "failed to check participant")
	}
	return ok, nil
}

// AddParticipants adds entities to the channel, skipping ones already present.
func (s *Service) AddParticipants(ctx context.Context, channelID string, entityIDs []string) error {
	if !validate.IsValidChannelID(channelID) {
		return apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	for _, id := range entityIDs {
		if !validate.IsValidID(id) {
			return apierror.New(apierror.CodeInvalidID, "participant is not a valid identifier")
		}
	}
	if _, err := s.requireChannel(ctx, channelID); err != nil {
		return err
	}
	if err := s.store.AddChannelParticipants(ctx, channelID, entityIDs); err != nil {
		return apierror.New(apierror.CodePersistenceError, "failed to add participants")
	}
	return nil
}

// RemoveParticipant drops an entity from the channel's participant set.
func (s *Service) RemoveParticipant(ctx context.Context, channelID, entityID string) error {
	if !validate.IsValidChannelID(channelID) {
		return apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	if !validate.IsValidID(entityID) {
		return apierror.New(apierror.CodeInvalidID, "entityId is not a valid identifier")
	}
	participants, err := s.GetParticipants(ctx, channelID)
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != entityID {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == len(participants) {
		return nil
	}
	if _, err := s.store.UpdateChannel(ctx, channelID, repository.ChannelUpdate{Participants: remaining}); err != nil {
		return apierror.New(apierror.CodePersistenceError, "failed to remove participant")
	}
	return nil
}

// UpdateChannel applies a partial update and announces the change.
func (s *Service) UpdateChannel(ctx context.Context, channelID string, update repository.ChannelUpdate) (*models.Channel, error) {
	if !validate.IsValidChannelID(channelID) {
		return nil, apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	for _, id := range update.Participants {
		if !validate.IsValidID(id) {
			return nil, apierror.New(apierror.CodeInvalidID, "participant is not a valid identifier")
		}
	}

	updated, err := s.store.UpdateChannel(ctx, channelID, update)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.New(apierror.CodeChannelNotFound, "channel not found")
	}
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to update channel")
	}

	if b := s.getBroadcaster(); b != nil {
		b.BroadcastChannelUpdated(updated)
	}
	return updated, nil
}

// DeleteChannel removes the channel, its participants and messages.
func (s *Service) DeleteChannel(ctx context.Context, channelID string) error {
	if !validate.IsValidChannelID(channelID) {
		return apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	err := s.store.DeleteChannel(ctx, channelID)
	if errors.Is(err, repository.ErrNotFound) {
		return apierror.New(apierror.CodeChannelNotFound, "channel not found")
	}
	if err != nil {
		return apierror.New(apierror.CodePersistenceError, "failed to delete channel")
	}

	if b := s.getBroadcaster(); b != nil {
		b.BroadcastChannelDeleted(channelID)
	}
	return nil
}
