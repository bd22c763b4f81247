// Package service implements the channel and message operations behind the
// HTTP, SSE and socket surfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/common/validate"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/repository"
)

const (
	// DefaultMessageLimit applies when a list request names no limit.
	DefaultMessageLimit = 50
	// MaxMessageLimit caps a single list call.
	MaxMessageLimit = 1000

	clearBatchSize = 100
)

// TitleModel generates short texts through an agent's language model. The
// agent connector provides the concrete implementation.
type TitleModel interface {
	GenerateText(ctx context.Context, agentID, prompt string, temperature float64, maxTokens int) (string, error)
}

// Service owns the channel and message semantics: validation, server
// isolation, channel auto-creation, persistence, bus publication and socket
// fanout, in that order.
type Service struct {
	store    repository.Store
	bus      bus.EventBus
	serverID string
	log      *logger.Logger

	mu          sync.RWMutex
	broadcaster Broadcaster
	titleModel  TitleModel
}

// NewService wires the service against its store and bus. serverID is the
// identifier of the message server this process owns.
func NewService(store repository.Store, eventBus bus.EventBus, serverID string, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		bus:      eventBus,
		serverID: serverID,
		log:      log.WithFields(zap.String("component", "messaging")),
	}
}

// ServerID returns the identifier of the current message server.
func (s *Service) ServerID() string { return s.serverID }

// Store exposes the underlying store for collaborating routers.
func (s *Service) Store() repository.Store { return s.store }

// SetBroadcaster attaches the socket fanout. Safe to call after startup.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	s.broadcaster = b
	s.mu.Unlock()
}

// SetTitleModel attaches the text model used for channel title generation.
func (s *Service) SetTitleModel(m TitleModel) {
	s.mu.Lock()
	s.titleModel = m
	s.mu.Unlock()
}

func (s *Service) getBroadcaster() Broadcaster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broadcaster
}

func (s *Service) getTitleModel() TitleModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.titleModel
}

// PostMessageParams carries a message submission from any ingress.
type PostMessageParams struct {
	ChannelID       string
	AuthorID        string
	MessageServerID string
	Content         string
	InReplyTo       string
	RawMessage      map[string]any
	Metadata        map[string]any
	SourceType      string
}

// PostMessage validates, persists and fans out a message. The channel is
// auto-created when it does not exist yet. Ordering is fixed: persist, then
// publish new_message on the bus, then broadcast to the channel room.
func (s *Service) PostMessage(ctx context.Context, params PostMessageParams) (*models.Message, error) {
	if !validate.IsValidChannelID(params.ChannelID) {
		return nil, apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	if !validate.IsValidID(params.AuthorID) {
		return nil, apierror.New(apierror.CodeInvalidID, "authorId is not a valid identifier")
	}
	if !validate.IsValidID(params.MessageServerID) {
		return nil, apierror.New(apierror.CodeInvalidID, "messageServerId is not a valid identifier")
	}
	if strings.TrimSpace(params.Content) == "" {
		return nil, apierror.New(apierror.CodeInvalidContent, "content must not be empty")
	}
	if params.MessageServerID != s.serverID {
		return nil, apierror.New(apierror.CodeForbiddenServerMismatch, "message server does not match this instance")
	}

	if _, err := s.ensureChannel(ctx, params.ChannelID, params.AuthorID, params.Metadata); err != nil {
		return nil, err
	}

	sourceType := params.SourceType
	if sourceType == "" {
		sourceType = models.SourceTypeAPI
	}

	message := &models.Message{
		ChannelID:          params.ChannelID,
		AuthorID:           params.AuthorID,
		Content:            params.Content,
		RawMessage:         params.RawMessage,
		SourceType:         sourceType,
		InReplyToMessageID: params.InReplyTo,
		Metadata:           params.Metadata,
	}
	if err := s.store.CreateMessage(ctx, message); err != nil {
		s.log.Error("failed to persist message", zap.String("channel_id", params.ChannelID), zap.Error(err))
		return nil, apierror.New(apierror.CodePersistenceError, "failed to persist message")
	}

	s.publishNewMessage(ctx, message)

	if b := s.getBroadcaster(); b != nil {
		b.BroadcastMessage(message.ChannelID, message)
	}
	return message, nil
}

// publishNewMessage emits the snake_case bus envelope for a stored message.
func (s *Service) publishNewMessage(ctx context.Context, message *models.Message) {
	payload := events.MessagePayload{
		ID:                 message.ID,
		ChannelID:          message.ChannelID,
		MessageServerID:    s.serverID,
		AuthorID:           message.AuthorID,
		Content:            message.Content,
		CreatedAt:          message.CreatedAt.UnixMilli(),
		SourceType:         message.SourceType,
		RawMessage:         message.RawMessage,
		Metadata:           message.Metadata,
		InReplyToMessageID: message.InReplyToMessageID,
		AuthorDisplayName:  message.AuthorDisplayName(),
	}
	if err := s.bus.Publish(ctx, events.NewMessage, bus.NewEvent(events.NewMessage, "messaging", payload)); err != nil {
		s.log.Error("failed to publish new_message", zap.String("message_id", message.ID), zap.Error(err))
	}
}

// ensureChannel returns the channel, creating it when absent. DM detection
// reads metadata markers; when both a DM marker and a conflicting channel
// type are present, DM wins. A DM without a resolvable second participant
// degrades to a GROUP with the author alone.
func (s *Service) ensureChannel(ctx context.Context, channelID, authorID string, metadata map[string]any) (*models.Channel, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err == nil {
		return channel, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to load channel")
	}

	if _, err := s.store.GetServer(ctx, s.serverID); err != nil {
		s.log.Error("current message server missing during channel auto-creation", zap.String("server_id", s.serverID), zap.Error(err))
		return nil, apierror.New(apierror.CodePersistenceError, "message server is not provisioned")
	}

	channelType := models.ChannelTypeGroup
	participants := []string{authorID}

	if isDmMetadata(metadata) {
		if target := dmTargetID(metadata); target != "" && target != authorID {
			channelType = models.ChannelTypeDM
			participants = []string{authorID, target}
		} else {
			s.log.Warn("DM requested without a valid target, creating group channel",
				zap.String("channel_id", channelID), zap.String("author_id", authorID))
		}
	}

	channel = &models.Channel{
		ID:              channelID,
		MessageServerID: s.serverID,
		Name:            defaultChannelName(channelType, channelID),
		Type:            channelType,
		Metadata:        metadata,
	}
	if err := s.store.CreateChannel(ctx, channel, participants); err != nil {
		s.log.Error("failed to auto-create channel", zap.String("channel_id", channelID), zap.Error(err))
		return nil, apierror.New(apierror.CodeChannelCreationFailed, "failed to create channel")
	}
	s.log.Info("auto-created channel",
		zap.String("channel_id", channelID),
		zap.String("type", string(channelType)))
	return channel, nil
}

// isDmMetadata reports whether the payload marks the channel as a DM.
func isDmMetadata(metadata map[string]any) bool {
	if metadata == nil {
		return false
	}
	if isDm, ok := metadata["isDm"].(bool); ok && isDm {
		return true
	}
	if raw, ok := metadata["isDm"].(string); ok && strings.EqualFold(raw, "true") {
		return true
	}
	if channelType, ok := metadata["channelType"].(string); ok && strings.EqualFold(channelType, string(models.ChannelTypeDM)) {
		return true
	}
	return false
}

// dmTargetID resolves the second DM participant from metadata, empty when no
// valid identifier is present.
func dmTargetID(metadata map[string]any) string {
	for _, key := range []string{"targetUserId", "recipientId"} {
		if value, ok := metadata[key].(string); ok && validate.IsValidID(value) {
			return value
		}
	}
	return ""
}

func defaultChannelName(channelType models.ChannelType, channelID string) string {
	prefix := "Chat "
	if channelType == models.ChannelTypeDM {
		prefix = "DM "
	}
	short := channelID
	if len(short) > 8 {
		short = short[:8]
	}
	return prefix + short
}

// GetMessages lists channel messages newest first. limit defaults to 50 and
// is capped at 1000; before restricts to messages created strictly earlier.
func (s *Service) GetMessages(ctx context.Context, channelID string, limit int, before *time.Time) ([]*models.Message, error) {
	if !validate.IsValidChannelID(channelID) {
		return nil, apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}

	messages, err := s.store.ListMessages(ctx, channelID, repository.ListMessagesOptions{Limit: limit, Before: before})
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to list messages")
	}
	return messages, nil
}

// DeleteMessage removes a single message and announces the deletion.
func (s *Service) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if !validate.IsValidChannelID(channelID) {
		return apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	if !validate.IsValidID(messageID) {
		return apierror.New(apierror.CodeInvalidID, "messageId is not a valid identifier")
	}

	message, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return apierror.New(apierror.CodeMessageNotFound, "message not found")
	}
	if err != nil {
		return apierror.New(apierror.CodePersistenceError, "failed to load message")
	}
	if message.ChannelID != channelID {
		return apierror.New(apierror.CodeMessageNotFound, "message not found in channel")
	}

	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierror.New(apierror.CodeMessageNotFound, "message not found")
		}
		return apierror.New(apierror.CodePersistenceError, "failed to delete message")
	}

	payload := events.MessageDeletedPayload{MessageID: messageID, ChannelID: channelID}
	if err := s.bus.Publish(ctx, events.MessageDeleted, bus.NewEvent(events.MessageDeleted, "messaging", payload)); err != nil {
		s.log.Error("failed to publish message_deleted", zap.String("message_id", messageID), zap.Error(err))
	}
	if b := s.getBroadcaster(); b != nil {
		b.BroadcastMessageDeleted(channelID, messageID)
	}
	return nil
}

// UpdateMessage edits a message's content and metadata in place.
func (s *Service) UpdateMessage(ctx context.Context, channelID, messageID, content string, metadata map[string]any) (*models.Message, error) {
	if !validate.IsValidChannelID(channelID) {
		return nil, apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	if !validate.IsValidID(messageID) {
		return nil, apierror.New(apierror.CodeInvalidID, "messageId is not a valid identifier")
	}
	if strings.TrimSpace(content) == "" {
		return nil, apierror.New(apierror.CodeInvalidContent, "content must not be empty")
	}

	existing, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.New(apierror.CodeMessageNotFound, "message not found")
	}
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to load message")
	}
	if existing.ChannelID != channelID {
		return nil, apierror.New(apierror.CodeMessageNotFound, "message not found in channel")
	}

	updated, err := s.store.UpdateMessage(ctx, messageID, content, metadata)
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to update message")
	}
	return updated, nil
}

// ClearChannel deletes every message in the channel in bounded batches, then
// announces the wipe.
func (s *Service) ClearChannel(ctx context.Context, channelID string) error {
	if !validate.IsValidChannelID(channelID) {
		return apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	if _, err := s.requireChannel(ctx, channelID); err != nil {
		return err
	}

	total := 0
	for {
		deleted, err := s.store.DeleteMessagesBatch(ctx, channelID, clearBatchSize)
		if err != nil {
			return apierror.New(apierror.CodePersistenceError, "failed to clear channel")
		}
		total += deleted
		if deleted < clearBatchSize {
			break
		}
	}
	s.log.Info("cleared channel", zap.String("channel_id", channelID), zap.Int("deleted", total))

	payload := events.ChannelClearedPayload{ChannelID: channelID}
	if err := s.bus.Publish(ctx, events.ChannelCleared, bus.NewEvent(events.ChannelCleared, "messaging", payload)); err != nil {
		s.log.Error("failed to publish channel_cleared", zap.String("channel_id", channelID), zap.Error(err))
	}
	if b := s.getBroadcaster(); b != nil {
		b.BroadcastChannelCleared(channelID)
	}
	return nil
}

func (s *Service) requireChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.New(apierror.CodeChannelNotFound, "channel not found")
	}
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to load channel")
	}
	return channel, nil
}

// GenerateTitle derives a short channel title from the transcript through the
// agent's text model and renames the channel.
func (s *Service) GenerateTitle(ctx context.Context, channelID, agentID string) (string, error) {
	if !validate.IsValidChannelID(channelID) {
		return "", apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier")
	}
	if !validate.IsValidID(agentID) {
		return "", apierror.New(apierror.CodeInvalidID, "agentId is not a valid identifier")
	}
	model := s.getTitleModel()
	if model == nil {
		return "", apierror.New(apierror.CodeRuntimeError, "no text model available")
	}

	if _, err := s.requireChannel(ctx, channelID); err != nil {
		return "", err
	}

	messages, err := s.store.ListMessages(ctx, channelID, repository.ListMessagesOptions{Limit: DefaultMessageLimit})
	if err != nil {
		return "", apierror.New(apierror.CodePersistenceError, "failed to list messages")
	}
	if len(messages) < 4 {
		return "", apierror.New(apierror.CodeInvalidContent, "channel needs at least 4 messages before a title can be generated")
	}

	// ListMessages returns newest first; the transcript reads oldest first.
	var transcript strings.Builder
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		author := m.AuthorDisplayName()
		if author == "" {
			author = m.AuthorID
		}
		fmt.Fprintf(&transcript, "%s: %s\n", author, m.Content)
	}

	prompt := "Summarize this conversation in a short title of at most six words. " +
		"Reply with the title only.\n\n" + transcript.String()

	title, err := model.GenerateText(ctx, agentID, prompt, 0.3, 50)
	if err != nil {
		s.log.Error("title generation failed", zap.String("channel_id", channelID), zap.Error(err))
		return "", apierror.New(apierror.CodeRuntimeError, "title generation failed")
	}
	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if title == "" {
		return "", apierror.New(apierror.CodeRuntimeError, "title generation produced no text")
	}

	updated, err := s.store.UpdateChannel(ctx, channelID, repository.ChannelUpdate{Name: &title})
	if err != nil {
		return "", apierror.New(apierror.CodePersistenceError, "failed to rename channel")
	}
	if b := s.getBroadcaster(); b != nil {
		b.BroadcastChannelUpdated(updated)
	}
	return title, nil
}
