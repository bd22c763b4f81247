package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/repository"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingBroadcaster) record(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *recordingBroadcaster) BroadcastMessage(channelID string, message *models.Message) {
	r.record("message:" + channelID)
}
func (r *recordingBroadcaster) BroadcastMessageDeleted(channelID, messageID string) {
	r.record("messageDeleted:" + messageID)
}
func (r *recordingBroadcaster) BroadcastChannelCleared(channelID string) {
	r.record("channelCleared:" + channelID)
}
func (r *recordingBroadcaster) BroadcastChannelUpdated(channel *models.Channel) {
	r.record("channelUpdated:" + channel.ID)
}
func (r *recordingBroadcaster) BroadcastChannelDeleted(channelID string) {
	r.record("channelDeleted:" + channelID)
}

type testEnv struct {
	svc         *Service
	bus         *bus.MemoryEventBus
	broadcaster *recordingBroadcaster
	serverID    string
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	store, err := repository.NewSQLStore(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	serverID := uuid.New().String()
	memBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(func() { memBus.Close() })

	svc := NewService(store, memBus, serverID, logger.Default())
	_, err = svc.EnsureCurrentServer(context.Background(), "test server")
	require.NoError(t, err)

	broadcaster := &recordingBroadcaster{}
	svc.SetBroadcaster(broadcaster)

	return &testEnv{svc: svc, bus: memBus, broadcaster: broadcaster, serverID: serverID}
}

func TestPostMessagePersistsPublishesBroadcasts(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	var order []string
	_, err := env.bus.Subscribe(events.NewMessage, func(ctx context.Context, e *bus.Event) error {
		order = append(order, "publish")
		return nil
	})
	require.NoError(t, err)

	channelID := uuid.New().String()
	authorID := uuid.New().String()
	msg, err := env.svc.PostMessage(ctx, PostMessageParams{
		ChannelID:       channelID,
		AuthorID:        authorID,
		MessageServerID: env.serverID,
		Content:         "hello",
	})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	assert.Equal(t, models.SourceTypeAPI, msg.SourceType)

	// Publish is synchronous and precedes socket fanout.
	order = append(order, env.broadcaster.events...)
	assert.Equal(t, []string{"publish", "message:" + channelID}, order)

	listed, err := env.svc.GetMessages(ctx, channelID, 10, nil)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, msg.ID, listed[0].ID)
}

func TestPostMessageRejectsForeignServer(t *testing.T) {
	env := newTestService(t)

	_, err := env.svc.PostMessage(context.Background(), PostMessageParams{
		ChannelID:       uuid.New().String(),
		AuthorID:        uuid.New().String(),
		MessageServerID: uuid.New().String(),
		Content:         "hello",
	})
	require.Error(t, err)
	assert.Equal(t, apierror.CodeForbiddenServerMismatch, apierror.As(err).Code)
}

func TestPostMessageValidation(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.svc.PostMessage(ctx, PostMessageParams{
		ChannelID:       "not-a-uuid",
		AuthorID:        uuid.New().String(),
		MessageServerID: env.serverID,
		Content:         "hello",
	})
	assert.Equal(t, apierror.CodeInvalidChannelID, apierror.As(err).Code)

	_, err = env.svc.PostMessage(ctx, PostMessageParams{
		ChannelID:       uuid.New().String(),
		AuthorID:        uuid.New().String(),
		MessageServerID: env.serverID,
		Content:         "   ",
	})
	assert.Equal(t, apierror.CodeInvalidContent, apierror.As(err).Code)
}

func TestAutoCreateDmChannel(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	channelID := uuid.New().String()
	authorID := uuid.New().String()
	targetID := uuid.New().String()

	_, err := env.svc.PostMessage(ctx, PostMessageParams{
		ChannelID:       channelID,
		AuthorID:        authorID,
		MessageServerID: env.serverID,
		Content:         "hi",
		Metadata:        map[string]any{"isDm": true, "targetUserId": targetID},
	})
	require.NoError(t, err)

	details, err := env.svc.GetChannelDetails(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelTypeDM, details.Channel.Type)
	assert.ElementsMatch(t, []string{authorID, targetID}, details.Participants)
	assert.Equal(t, "DM "+channelID[:8], details.Channel.Name)
}

func TestAutoCreateDmWithoutTargetDegradesToGroup(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	channelID := uuid.New().String()
	authorID := uuid.New().String()

	_, err := env.svc.PostMessage(ctx, PostMessageParams{
		ChannelID:       channelID,
		AuthorID:        authorID,
		MessageServerID: env.serverID,
		Content:         "hi",
		Metadata:        map[string]any{"isDm": true},
	})
	require.NoError(t, err)

	details, err := env.svc.GetChannelDetails(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelTypeGroup, details.Channel.Type)
	assert.Equal(t, []string{authorID}, details.Participants)
	assert.Equal(t, "Chat "+channelID[:8], details.Channel.Name)
}

func TestDmMarkerWinsOverChannelType(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	channelID := uuid.New().String()
	targetID := uuid.New().String()

	_, err := env.svc.PostMessage(ctx, PostMessageParams{
		ChannelID:       channelID,
		AuthorID:        uuid.New().String(),
		MessageServerID: env.serverID,
		Content:         "hi",
		Metadata: map[string]any{
			"isDm":         true,
			"channelType":  "GROUP",
			"targetUserId": targetID,
		},
	})
	require.NoError(t, err)

	channel, err := env.svc.GetChannel(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelTypeDM, channel.Type)
}

func TestDeleteMessagePublishesAndBroadcasts(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	var deleted []events.MessageDeletedPayload
	_, err := env.bus.Subscribe(events.MessageDeleted, func(ctx context.Context, e *bus.Event) error {
		deleted = append(deleted, e.Data.(events.MessageDeletedPayload))
		return nil
	})
	require.NoError(t, err)

	channelID := uuid.New().String()
	msg, err := env.svc.PostMessage(ctx, PostMessageParams{
		ChannelID:       channelID,
		AuthorID:        uuid.New().String(),
		MessageServerID: env.serverID,
		Content:         "bye",
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteMessage(ctx, channelID, msg.ID))
	require.Len(t, deleted, 1)
	assert.Equal(t, msg.ID, deleted[0].MessageID)
	assert.Contains(t, env.broadcaster.events, "messageDeleted:"+msg.ID)

	err = env.svc.DeleteMessage(ctx, channelID, msg.ID)
	assert.Equal(t, apierror.CodeMessageNotFound, apierror.As(err).Code)
}

func TestDeleteMessageInWrongChannel(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	channelID := uuid.New().String()
	msg, err := env.svc.PostMessage(ctx, PostMessageParams{
		ChannelID:       channelID,
		AuthorID:        uuid.New().String(),
		MessageServerID: env.serverID,
		Content:         "hello",
	})
	require.NoError(t, err)

	otherChannel := uuid.New().String()
	_, err = env.svc.PostMessage(ctx, PostMessageParams{
		ChannelID:       otherChannel,
		AuthorID:        uuid.New().String(),
		MessageServerID: env.serverID,
		Content:         "other",
	})
	require.NoError(t, err)

	err = env.svc.DeleteMessage(ctx, otherChannel, msg.ID)
	assert.Equal(t, apierror.CodeMessageNotFound, apierror.As(err).Code)
}

func TestClearChannel(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	channelID := uuid.New().String()
	authorID := uuid.New().String()
	for i := 0; i < 5; i++ {
		_, err := env.svc.PostMessage(ctx, PostMessageParams{
			ChannelID:       channelID,
			AuthorID:        authorID,
			MessageServerID: env.serverID,
			Content:         "x",
		})
		require.NoError(t, err)
	}

	var cleared []events.ChannelClearedPayload
	_, err := env.bus.Subscribe(events.ChannelCleared, func(ctx context.Context, e *bus.Event) error {
		cleared = append(cleared, e.Data.(events.ChannelClearedPayload))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.ClearChannel(ctx, channelID))
	require.Len(t, cleared, 1)
	assert.Equal(t, channelID, cleared[0].ChannelID)

	msgs, err := env.svc.GetMessages(ctx, channelID, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGetMessagesLimitCap(t *testing.T) {
	env := newTestService(t)

	_, err := env.svc.GetMessages(context.Background(), "bad id", 10, nil)
	assert.Equal(t, apierror.CodeInvalidChannelID, apierror.As(err).Code)
}

func TestServerAgentRegistration(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	var updates []events.ServerAgentPayload
	_, err := env.bus.Subscribe(events.ServerAgentUpdate, func(ctx context.Context, e *bus.Event) error {
		updates = append(updates, e.Data.(events.ServerAgentPayload))
		return nil
	})
	require.NoError(t, err)

	agentID := uuid.New().String()
	require.NoError(t, env.svc.AddAgentToServer(ctx, env.serverID, agentID))

	agents, err := env.svc.ListAgentsForServer(ctx, env.serverID)
	require.NoError(t, err)
	assert.Equal(t, []string{agentID}, agents)

	require.NoError(t, env.svc.RemoveAgentFromServer(ctx, env.serverID, agentID))

	require.Len(t, updates, 2)
	assert.Equal(t, events.AgentAddedToServer, updates[0].Type)
	assert.Equal(t, events.AgentRemovedFromServer, updates[1].Type)

	err = env.svc.AddAgentToServer(ctx, uuid.New().String(), agentID)
	assert.Equal(t, apierror.CodeForbiddenServerMismatch, apierror.As(err).Code)
}

func TestFindOrCreateDmChannel(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	userID := uuid.New().String()
	agentID := uuid.New().String()

	first, err := env.svc.FindOrCreateDmChannel(ctx, userID, agentID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelTypeDM, first.Type)

	second, err := env.svc.FindOrCreateDmChannel(ctx, userID, agentID, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = env.svc.FindOrCreateDmChannel(ctx, userID, userID, nil)
	assert.Equal(t, apierror.CodeInvalidID, apierror.As(err).Code)
}

type stubTitleModel struct {
	prompt string
}

func (s *stubTitleModel) GenerateText(ctx context.Context, agentID, prompt string, temperature float64, maxTokens int) (string, error) {
	s.prompt = prompt
	return `"Weather Smalltalk"`, nil
}

func TestGenerateTitle(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	model := &stubTitleModel{}
	env.svc.SetTitleModel(model)

	channelID := uuid.New().String()
	authorID := uuid.New().String()
	agentID := uuid.New().String()

	_, err := env.svc.GenerateTitle(ctx, channelID, agentID)
	assert.Equal(t, apierror.CodeChannelNotFound, apierror.As(err).Code)

	for i := 0; i < 3; i++ {
		_, err := env.svc.PostMessage(ctx, PostMessageParams{
			ChannelID:       channelID,
			AuthorID:        authorID,
			MessageServerID: env.serverID,
			Content:         "msg",
		})
		require.NoError(t, err)
	}

	// Three messages are not enough.
	_, err = env.svc.GenerateTitle(ctx, channelID, agentID)
	assert.Equal(t, apierror.CodeInvalidContent, apierror.As(err).Code)

	_, err = env.svc.PostMessage(ctx, PostMessageParams{
		ChannelID:       channelID,
		AuthorID:        authorID,
		MessageServerID: env.serverID,
		Content:         "fourth",
	})
	require.NoError(t, err)

	title, err := env.svc.GenerateTitle(ctx, channelID, agentID)
	require.NoError(t, err)
	assert.Equal(t, "Weather Smalltalk", title)
	assert.Contains(t, model.prompt, "fourth")

	channel, err := env.svc.GetChannel(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, "Weather Smalltalk", channel.Name)
}

func TestUpdateAndDeleteChannel(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	channel, err := env.svc.CreateGroupChannel(ctx, "ops", []string{uuid.New().String()}, nil)
	require.NoError(t, err)

	name := "ops-renamed"
	updated, err := env.svc.UpdateChannel(ctx, channel.ID, repository.ChannelUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "ops-renamed", updated.Name)
	assert.Contains(t, env.broadcaster.events, "channelUpdated:"+channel.ID)

	require.NoError(t, env.svc.DeleteChannel(ctx, channel.ID))
	assert.Contains(t, env.broadcaster.events, "channelDeleted:"+channel.ID)

	err = env.svc.DeleteChannel(ctx, channel.ID)
	assert.Equal(t, apierror.CodeChannelNotFound, apierror.As(err).Code)
}
