package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
	"github.com/agentmesh/agentmesh/internal/messaging/repository"
	"github.com/agentmesh/agentmesh/internal/messaging/service"
)

// scriptedRuntime streams scripted chunks and replies with a fixed transform.
type scriptedRuntime struct {
	chunks  []string
	respond func(input *Input) *Response
	fail    error
}

func (r *scriptedRuntime) HandleMessage(ctx context.Context, agentID string, input *Input) (*Response, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	return r.respond(input), nil
}

func (r *scriptedRuntime) HandleMessageStream(ctx context.Context, agentID string, input *Input, cb StreamCallbacks) error {
	if r.fail != nil {
		cb.OnError(r.fail)
		return nil
	}
	for _, chunk := range r.chunks {
		cb.OnStreamChunk(chunk, input.MessageID)
	}
	cb.OnResponse(r.respond(input))
	return nil
}

func (r *scriptedRuntime) GenerateText(ctx context.Context, agentID, prompt string, temperature float64, maxTokens int) (string, error) {
	return "title", nil
}

// centralStub records reply POSTs the connector makes.
type centralStub struct {
	mu     sync.Mutex
	bodies []map[string]any
	paths  []string
	server *httptest.Server
}

func newCentralStub() *centralStub {
	stub := &centralStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		stub.mu.Lock()
		stub.bodies = append(stub.bodies, body)
		stub.paths = append(stub.paths, r.URL.Path)
		stub.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	return stub
}

func (s *centralStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

type connectorEnv struct {
	connector *Connector
	svc       *service.Service
	store     repository.Store
	bus       bus.EventBus
	central   *centralStub
	serverID  string
	agentID   string
	userID    string
	channelID string
}

func newConnectorEnv(t *testing.T, runtime Runtime) *connectorEnv {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	store, err := repository.NewSQLStore(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	memBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(func() { memBus.Close() })

	serverID := uuid.New().String()
	svc := service.NewService(store, memBus, serverID, logger.Default())
	ctx := context.Background()
	_, err = svc.EnsureCurrentServer(ctx, "test")
	require.NoError(t, err)

	agentID := uuid.New().String()
	userID := uuid.New().String()
	require.NoError(t, svc.AddAgentToServer(ctx, serverID, agentID))

	channel, err := svc.CreateGroupChannel(ctx, "room", []string{userID, agentID}, nil)
	require.NoError(t, err)

	central := newCentralStub()
	t.Cleanup(central.server.Close)

	connector := NewConnector(agentID, runtime, store, memBus, central.server.URL, "", logger.Default())
	require.NoError(t, connector.Start(ctx))
	t.Cleanup(connector.Cleanup)

	return &connectorEnv{
		connector: connector,
		svc:       svc,
		store:     store,
		bus:       memBus,
		central:   central,
		serverID:  serverID,
		agentID:   agentID,
		userID:    userID,
		channelID: channel.ID,
	}
}

func echoRuntime() *scriptedRuntime {
	return &scriptedRuntime{respond: func(input *Input) *Response {
		return &Response{Text: "reply: " + input.Content}
	}}
}

// post sends a user message through the service, which publishes new_message
// on the synchronous bus.
func (e *connectorEnv) post(t *testing.T, content string) *models.Message {
	t.Helper()
	message, err := e.svc.PostMessage(context.Background(), service.PostMessageParams{
		ChannelID:       e.channelID,
		AuthorID:        e.userID,
		MessageServerID: e.serverID,
		Content:         content,
		SourceType:      models.SourceTypeAPI,
	})
	require.NoError(t, err)
	return message
}

func TestConnectorPostsReplyToCentralService(t *testing.T) {
	env := newConnectorEnv(t, echoRuntime())

	message := env.post(t, "hello agent")

	require.Equal(t, 1, env.central.count())
	assert.Equal(t, "/api/channels/"+env.channelID+"/messages", env.central.paths[0])

	body := env.central.bodies[0]
	assert.Equal(t, "reply: hello agent", body["content"])
	assert.Equal(t, env.agentID, body["author_id"])
	assert.Equal(t, message.ID, body["in_reply_to_message_id"])
	assert.Equal(t, models.SourceTypeAgent, body["source_type"])
}

func TestConnectorDropRules(t *testing.T) {
	env := newConnectorEnv(t, echoRuntime())
	ctx := context.Background()

	publish := func(payload events.MessagePayload) {
		require.NoError(t, env.bus.Publish(ctx, events.NewMessage, bus.NewEvent(events.NewMessage, "test", payload)))
	}

	// Malformed: no content.
	publish(events.MessagePayload{
		ID:              uuid.New().String(),
		ChannelID:       env.channelID,
		MessageServerID: env.serverID,
		AuthorID:        env.userID,
	})

	// Foreign server.
	publish(events.MessagePayload{
		ID:              uuid.New().String(),
		ChannelID:       env.channelID,
		MessageServerID: uuid.New().String(),
		AuthorID:        env.userID,
		Content:         "hi",
	})

	// Authored by the agent itself.
	publish(events.MessagePayload{
		ID:              uuid.New().String(),
		ChannelID:       env.channelID,
		MessageServerID: env.serverID,
		AuthorID:        env.agentID,
		Content:         "my own echo",
	})

	assert.Equal(t, 0, env.central.count())
}

func TestConnectorSkipsChannelsWithoutMembership(t *testing.T) {
	env := newConnectorEnv(t, echoRuntime())
	ctx := context.Background()

	other, err := env.svc.CreateGroupChannel(ctx, "not mine", []string{env.userID}, nil)
	require.NoError(t, err)

	_, err = env.svc.PostMessage(ctx, service.PostMessageParams{
		ChannelID:       other.ID,
		AuthorID:        env.userID,
		MessageServerID: env.serverID,
		Content:         "anyone here?",
		SourceType:      models.SourceTypeAPI,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, env.central.count())
}

func TestConnectorIdempotentOnRedelivery(t *testing.T) {
	env := newConnectorEnv(t, echoRuntime())
	ctx := context.Background()

	payload := events.MessagePayload{
		ID:              uuid.New().String(),
		ChannelID:       env.channelID,
		MessageServerID: env.serverID,
		AuthorID:        env.userID,
		Content:         "once please",
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, env.bus.Publish(ctx, events.NewMessage, bus.NewEvent(events.NewMessage, "test", payload)))
	}

	assert.Equal(t, 1, env.central.count())
}

func TestConnectorSuppressesIgnoredResponses(t *testing.T) {
	runtime := &scriptedRuntime{respond: func(input *Input) *Response {
		return &Response{Text: "would reply", Actions: []string{"IGNORE"}}
	}}
	env := newConnectorEnv(t, runtime)

	env.post(t, "please ignore")
	assert.Equal(t, 0, env.central.count())

	// Empty text is suppressed the same way.
	runtime.respond = func(input *Input) *Response { return &Response{} }
	env.post(t, "still nothing")
	assert.Equal(t, 0, env.central.count())
}

func TestConnectorPublishesStreamChunksWithIncreasingIndex(t *testing.T) {
	runtime := echoRuntime()
	runtime.chunks = []string{"re", "ply"}
	env := newConnectorEnv(t, runtime)

	var chunks []events.StreamChunkPayload
	_, err := env.bus.Subscribe(events.MessageStreamChunk, func(ctx context.Context, event *bus.Event) error {
		chunks = append(chunks, event.Data.(events.StreamChunkPayload))
		return nil
	})
	require.NoError(t, err)

	message := env.post(t, "stream it")

	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[1].Index)
	assert.Equal(t, message.ID, chunks[0].MessageID)
	assert.Equal(t, env.agentID, chunks[0].AgentID)
}

func TestConnectorPublishesStreamErrorOnRuntimeFailure(t *testing.T) {
	runtime := &scriptedRuntime{fail: errors.New("model unavailable")}
	env := newConnectorEnv(t, runtime)

	var failures []events.StreamErrorPayload
	_, err := env.bus.Subscribe(events.MessageStreamError, func(ctx context.Context, event *bus.Event) error {
		failures = append(failures, event.Data.(events.StreamErrorPayload))
		return nil
	})
	require.NoError(t, err)

	env.post(t, "doomed")

	require.Len(t, failures, 1)
	assert.Equal(t, "model unavailable", failures[0].Error)
	assert.Equal(t, 0, env.central.count())
}

func TestConnectorTracksServerMembershipUpdates(t *testing.T) {
	env := newConnectorEnv(t, echoRuntime())
	ctx := context.Background()

	// Removal stops message handling.
	require.NoError(t, env.svc.RemoveAgentFromServer(ctx, env.serverID, env.agentID))
	env.postAsUser(t, "while removed")
	assert.Equal(t, 0, env.central.count())

	// Re-adding restores it.
	require.NoError(t, env.svc.AddAgentToServer(ctx, env.serverID, env.agentID))
	env.postAsUser(t, "back again")
	assert.Equal(t, 1, env.central.count())
}

// postAsUser posts without failing the test when service-side validation
// rejects, since membership changes what the service allows.
func (e *connectorEnv) postAsUser(t *testing.T, content string) {
	t.Helper()
	_, err := e.svc.PostMessage(context.Background(), service.PostMessageParams{
		ChannelID:       e.channelID,
		AuthorID:        e.userID,
		MessageServerID: e.serverID,
		Content:         content,
		SourceType:      models.SourceTypeAPI,
	})
	require.NoError(t, err)
}

func TestConnectorForgetsDeletedMessages(t *testing.T) {
	env := newConnectorEnv(t, echoRuntime())
	ctx := context.Background()

	message := env.post(t, "remember me")
	memID := MemoryID(message.ID, env.agentID)
	assert.True(t, env.connector.Memories().Has(memID))

	require.NoError(t, env.bus.Publish(ctx, events.MessageDeleted, bus.NewEvent(events.MessageDeleted, "test", events.MessageDeletedPayload{
		MessageID: message.ID,
		ChannelID: env.channelID,
	})))
	assert.False(t, env.connector.Memories().Has(memID))

	require.NoError(t, env.bus.Publish(ctx, events.ChannelCleared, bus.NewEvent(events.ChannelCleared, "test", events.ChannelClearedPayload{
		ChannelID: env.channelID,
	})))
	assert.Equal(t, 0, env.connector.Memories().Len())
}

func TestConnectorProvisionsEntitiesOnJoin(t *testing.T) {
	env := newConnectorEnv(t, echoRuntime())
	ctx := context.Background()

	entityID := uuid.New().String()
	require.NoError(t, env.bus.Publish(ctx, events.EntityJoined, bus.NewEvent(events.EntityJoined, "test", events.EntityJoinedPayload{
		EntityID: entityID,
		WorldID:  env.serverID,
		RoomID:   env.channelID,
	})))

	env.connector.mu.RLock()
	defer env.connector.mu.RUnlock()
	assert.True(t, env.connector.entities[entityID])
	assert.True(t, env.connector.worlds[env.serverID])
	assert.True(t, env.connector.rooms[env.channelID])
}

func TestResolveCentralURLRejectsRemoteHosts(t *testing.T) {
	log := logger.Default()
	assert.Equal(t, defaultCentralURL, resolveCentralURL("", log))
	assert.Equal(t, defaultCentralURL, resolveCentralURL("https://example.com", log))
	assert.Equal(t, "http://localhost:8080", resolveCentralURL("http://localhost:8080", log))
	assert.Equal(t, "http://127.0.0.1:9000", resolveCentralURL("http://127.0.0.1:9000", log))
}

func TestMemoryIDIsStable(t *testing.T) {
	a := MemoryID("msg-1", "agent-1")
	assert.Equal(t, a, MemoryID("msg-1", "agent-1"))
	assert.NotEqual(t, a, MemoryID("msg-1", "agent-2"))
	assert.NotEqual(t, a, MemoryID("msg-2", "agent-1"))
}
