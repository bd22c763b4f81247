package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/validate"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/repository"
)

// EnsureCurrentServer provisions the message server record this instance
// owns. Called once at startup; idempotent.
func (s *Service) EnsureCurrentServer(ctx context.Context, name string) (*models.MessageServer, error) {
	server, err := s.store.GetServer(ctx, s.serverID)
	if err == nil {
		return server, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to load message server")
	}

	server = &models.MessageServer{
		ID:         s.serverID,
		Name:       name,
		SourceType: "agentmesh",
	}
	if err := s.store.CreateServer(ctx, server); err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to provision message server")
	}
	s.log.Info("provisioned message server", zap.String("server_id", s.serverID))
	return server, nil
}

// GetCurrentServer returns the server record this instance owns.
func (s *Service) GetCurrentServer(ctx context.Context) (*models.MessageServer, error) {
	server, err := s.store.GetServer(ctx, s.serverID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.New(apierror.CodePersistenceError, "message server is not provisioned")
	}
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to load message server")
	}
	return server, nil
}

// ListServers lists all known message servers.
func (s *Service) ListServers(ctx context.Context) ([]*models.MessageServer, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to list message servers")
	}
	return servers, nil
}

// CreateServer registers an additional message server record.
func (s *Service) CreateServer(ctx context.Context, name, sourceType, sourceID string, metadata map[string]any) (*models.MessageServer, error) {
	if name == "" {
		return nil, apierror.New(apierror.CodeMissingFields, "name is required")
	}
	server := &models.MessageServer{
		Name:       name,
		SourceType: sourceType,
		SourceID:   sourceID,
		Metadata:   metadata,
	}
	if err := s.store.CreateServer(ctx, server); err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to create message server")
	}
	return server, nil
}

// AddAgentToServer registers an agent on the current server and announces the
// membership change on the bus. Mutations on foreign servers are rejected.
func (s *Service) AddAgentToServer(ctx context.Context, serverID, agentID string) error {
	if !validate.IsValidID(serverID) || !validate.IsValidID(agentID) {
		return apierror.New(apierror.CodeInvalidID, "serverId and agentId must be valid identifiers")
	}
	if serverID != s.serverID {
		return apierror.New(apierror.CodeForbiddenServerMismatch, "message server does not match this instance")
	}
	if err := s.store.AddAgentToServer(ctx, serverID, agentID); err != nil {
		return apierror.New(apierror.CodePersistenceError, "failed to register agent")
	}

	s.publishServerAgentUpdate(ctx, events.AgentAddedToServer, serverID, agentID)
	return nil
}

// RemoveAgentFromServer drops an agent registration from the current server.
func (s *Service) RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error {
	if !validate.IsValidID(serverID) || !validate.IsValidID(agentID) {
		return apierror.New(apierror.CodeInvalidID, "serverId and agentId must be valid identifiers")
	}
	if serverID != s.serverID {
		return apierror.New(apierror.CodeForbiddenServerMismatch, "message server does not match this instance")
	}
	if err := s.store.RemoveAgentFromServer(ctx, serverID, agentID); err != nil {
		return apierror.New(apierror.CodePersistenceError, "failed to remove agent")
	}

	s.publishServerAgentUpdate(ctx, events.AgentRemovedFromServer, serverID, agentID)
	return nil
}

func (s *Service) publishServerAgentUpdate(ctx context.Context, updateType, serverID, agentID string) {
	payload := events.ServerAgentPayload{
		Type:            updateType,
		MessageServerID: serverID,
		AgentID:         agentID,
	}
	if err := s.bus.Publish(ctx, events.ServerAgentUpdate, bus.NewEvent(events.ServerAgentUpdate, "messaging", payload)); err != nil {
		s.log.Error("failed to publish server_agent_update",
			zap.String("agent_id", agentID), zap.Error(err))
	}
}

// ListAgentsForServer lists the agents registered on a server.
func (s *Service) ListAgentsForServer(ctx context.Context, serverID string) ([]string, error) {
	if !validate.IsValidID(serverID) {
		return nil, apierror.New(apierror.CodeInvalidID, "serverId is not a valid identifier")
	}
	agents, err := s.store.ListAgentsForServer(ctx, serverID)
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to list agents")
	}
	return agents, nil
}

// ListServersForAgent lists the servers an agent is registered on.
func (s *Service) ListServersForAgent(ctx context.Context, agentID string) ([]string, error) {
	if !validate.IsValidID(agentID) {
		return nil, apierror.New(apierror.CodeInvalidID, "agentId is not a valid identifier")
	}
	servers, err := s.store.ListServersForAgent(ctx, agentID)
	if err != nil {
		return nil, apierror.New(apierror.CodePersistenceError, "failed to list servers")
	}
	return servers, nil
}
