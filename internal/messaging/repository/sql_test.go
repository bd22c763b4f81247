package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	store, err := NewSQLStore(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedServer(t *testing.T, store *SQLStore) *models.MessageServer {
	t.Helper()
	server := &models.MessageServer{Name: "Test Server", SourceType: "test"}
	require.NoError(t, store.CreateServer(context.Background(), server))
	return server
}

func TestServerCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	server := &models.MessageServer{
		Name:       "Main",
		SourceType: "agent_server",
		SourceID:   "rls-123",
		Metadata:   map[string]any{"region": "eu"},
	}
	require.NoError(t, store.CreateServer(ctx, server))
	require.NotEmpty(t, server.ID)

	got, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "Main", got.Name)
	assert.Equal(t, "eu", got.Metadata["region"])

	bySource, err := store.GetServerBySourceID(ctx, "rls-123")
	require.NoError(t, err)
	assert.Equal(t, server.ID, bySource.ID)

	_, err = store.GetServer(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)

	servers, err := store.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}

func TestChannelLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	server := seedServer(t, store)

	channel := &models.Channel{
		MessageServerID: server.ID,
		Name:            "general",
		Type:            models.ChannelTypeGroup,
	}
	require.NoError(t, store.CreateChannel(ctx, channel, []string{"user-1", "user-2", "user-1"}))

	participants, err := store.GetChannelParticipants(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1", "user-2"}, participants)

	ok, err := store.IsChannelParticipant(ctx, channel.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.IsChannelParticipant(ctx, channel.ID, "stranger")
	require.NoError(t, err)
	assert.False(t, ok)

	newName := "renamed"
	updated, err := store.UpdateChannel(ctx, channel.ID, ChannelUpdate{
		Name:         &newName,
		Participants: []string{"user-3"},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	participants, err = store.GetChannelParticipants(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-3"}, participants)

	require.NoError(t, store.AddChannelParticipants(ctx, channel.ID, []string{"user-3", "user-4"}))
	participants, err = store.GetChannelParticipants(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-3", "user-4"}, participants)

	channels, err := store.ListChannelsForServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Len(t, channels, 1)

	require.NoError(t, store.DeleteChannel(ctx, channel.ID))
	_, err = store.GetChannel(ctx, channel.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteChannel(ctx, channel.ID), ErrNotFound)
}

func TestFindDmChannel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	server := seedServer(t, store)

	dm := &models.Channel{
		MessageServerID: server.ID,
		Name:            "DM user-1",
		Type:            models.ChannelTypeDM,
	}
	require.NoError(t, store.CreateChannel(ctx, dm, []string{"user-1", "agent-1"}))

	group := &models.Channel{
		MessageServerID: server.ID,
		Name:            "group",
		Type:            models.ChannelTypeGroup,
	}
	require.NoError(t, store.CreateChannel(ctx, group, []string{"user-1", "agent-1", "user-2"}))

	found, err := store.FindDmChannel(ctx, server.ID, "user-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, dm.ID, found.ID)

	// Order of the pair does not matter.
	found, err = store.FindDmChannel(ctx, server.ID, "agent-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, dm.ID, found.ID)

	_, err = store.FindDmChannel(ctx, server.ID, "user-1", "user-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageCRUDAndPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	server := seedServer(t, store)

	channel := &models.Channel{MessageServerID: server.ID, Name: "general"}
	require.NoError(t, store.CreateChannel(ctx, channel, []string{"user-1"}))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		msg := &models.Message{
			ChannelID:  channel.ID,
			AuthorID:   "user-1",
			Content:    "hello",
			SourceType: models.SourceTypeAPI,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.CreateMessage(ctx, msg))
	}

	count, err := store.CountMessages(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// Newest first, limit applied.
	msgs, err := store.ListMessages(ctx, channel.ID, ListMessagesOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].CreatedAt.After(msgs[1].CreatedAt))
	assert.True(t, msgs[1].CreatedAt.After(msgs[2].CreatedAt))

	// Before cursor excludes messages at or after the instant.
	cutoff := base.Add(2 * time.Minute)
	msgs, err = store.ListMessages(ctx, channel.ID, ListMessagesOptions{Limit: 50, Before: &cutoff})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	updated, err := store.UpdateMessage(ctx, msgs[0].ID, "edited", map[string]any{"edited": true})
	require.NoError(t, err)
	assert.Equal(t, "edited", updated.Content)
	assert.Equal(t, true, updated.Metadata["edited"])

	require.NoError(t, store.DeleteMessage(ctx, msgs[0].ID))
	assert.ErrorIs(t, store.DeleteMessage(ctx, msgs[0].ID), ErrNotFound)
}

func TestDeleteMessagesBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	server := seedServer(t, store)

	channel := &models.Channel{MessageServerID: server.ID, Name: "general"}
	require.NoError(t, store.CreateChannel(ctx, channel, nil))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		require.NoError(t, store.CreateMessage(ctx, &models.Message{
			ChannelID:  channel.ID,
			AuthorID:   "user-1",
			Content:    "x",
			SourceType: models.SourceTypeAPI,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	deleted, err := store.DeleteMessagesBatch(ctx, channel.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	deleted, err = store.DeleteMessagesBatch(ctx, channel.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)

	count, err := store.CountMessages(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAgentServerRegistrations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	server := seedServer(t, store)

	require.NoError(t, store.AddAgentToServer(ctx, server.ID, "agent-1"))
	// Idempotent.
	require.NoError(t, store.AddAgentToServer(ctx, server.ID, "agent-1"))
	require.NoError(t, store.AddAgentToServer(ctx, server.ID, "agent-2"))

	agents, err := store.ListAgentsForServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1", "agent-2"}, agents)

	servers, err := store.ListServersForAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{server.ID}, servers)

	require.NoError(t, store.RemoveAgentFromServer(ctx, server.ID, "agent-1"))
	agents, err = store.ListAgentsForServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-2"}, agents)
}
