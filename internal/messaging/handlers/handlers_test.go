package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/messaging/repository"
	"github.com/agentmesh/agentmesh/internal/messaging/service"
	"github.com/agentmesh/agentmesh/internal/messaging/transport"
)

type echoRuntime struct{}

func (e *echoRuntime) HandleMessage(ctx context.Context, agentID string, input *agent.Input) (*agent.Response, error) {
	return &agent.Response{Text: "echo: " + input.Content}, nil
}

func (e *echoRuntime) HandleMessageStream(ctx context.Context, agentID string, input *agent.Input, cb agent.StreamCallbacks) error {
	cb.OnStreamChunk("echo", input.MessageID)
	cb.OnResponse(&agent.Response{Text: "echo"})
	return nil
}

func (e *echoRuntime) GenerateText(ctx context.Context, agentID, prompt string, temperature float64, maxTokens int) (string, error) {
	return "Echo Chat", nil
}

type testServer struct {
	engine   *gin.Engine
	svc      *service.Service
	serverID string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := db.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	store, err := repository.NewSQLStore(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	memBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(func() { memBus.Close() })

	serverID := uuid.New().String()
	svc := service.NewService(store, memBus, serverID, logger.Default())
	_, err = svc.EnsureCurrentServer(context.Background(), "test")
	require.NoError(t, err)

	dispatcher := transport.NewDispatcher(&echoRuntime{}, logger.Default())

	engine := gin.New()
	RegisterRoutes(engine.Group("/api"), svc, dispatcher, logger.Default())

	return &testServer{engine: engine, svc: svc, serverID: serverID}
}

func (s *testServer) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestPostAndListMessages(t *testing.T) {
	s := newTestServer(t)
	channelID := uuid.New().String()
	authorID := uuid.New().String()

	rec := s.request(t, http.MethodPost, "/api/channels/"+channelID+"/messages", gin.H{
		"author_id":         authorID,
		"content":           "hello there",
		"message_server_id": s.serverID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	userMessage := body["userMessage"].(map[string]any)
	assert.Equal(t, "hello there", userMessage["content"])
	// Default transport is websocket: acknowledgment only, no agent reply.
	_, hasAgentResponse := body["agentResponse"]
	assert.False(t, hasAgentResponse)

	rec = s.request(t, http.MethodGet, "/api/channels/"+channelID+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	messages := body["data"].(map[string]any)["messages"].([]any)
	require.Len(t, messages, 1)
}

func TestPostMessageSyncTransport(t *testing.T) {
	s := newTestServer(t)
	channelID := uuid.New().String()
	authorID := uuid.New().String()
	agentID := uuid.New().String()

	rec := s.request(t, http.MethodPost, "/api/channels/"+channelID+"/messages", gin.H{
		"author_id":         authorID,
		"content":           "ping",
		"message_server_id": s.serverID,
		"agent_id":          agentID,
		"transport":         "sync",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	agentResponse := body["agentResponse"].(map[string]any)
	assert.Equal(t, "echo: ping", agentResponse["text"])
}

func TestPostMessageInvalidTransport(t *testing.T) {
	s := newTestServer(t)
	channelID := uuid.New().String()

	rec := s.request(t, http.MethodPost, "/api/channels/"+channelID+"/messages", gin.H{
		"author_id":         uuid.New().String(),
		"content":           "x",
		"message_server_id": s.serverID,
		"transport":         "telegraph",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_TRANSPORT")
	assert.Contains(t, rec.Body.String(), "websocket")
}

func TestGetMessagesInvalidBefore(t *testing.T) {
	s := newTestServer(t)
	channelID := uuid.New().String()

	rec := s.request(t, http.MethodGet, "/api/channels/"+channelID+"/messages?before=NaN", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_PAGINATION")
}

func TestServerMismatchRejected(t *testing.T) {
	s := newTestServer(t)
	otherServer := uuid.New().String()

	rec := s.request(t, http.MethodPost, "/api/message-servers/"+otherServer+"/agents", gin.H{
		"agentId": uuid.New().String(),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "FORBIDDEN_SERVER_MISMATCH")
}

func TestServerAgentRoutes(t *testing.T) {
	s := newTestServer(t)
	agentID := uuid.New().String()

	rec := s.request(t, http.MethodPost, "/api/message-servers/"+s.serverID+"/agents", gin.H{"agentId": agentID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.request(t, http.MethodGet, "/api/message-servers/"+s.serverID+"/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), agentID)

	rec = s.request(t, http.MethodGet, "/api/agents/"+agentID+"/message-servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), s.serverID)

	rec = s.request(t, http.MethodDelete, "/api/message-servers/"+s.serverID+"/agents/"+agentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCurrentServerRoute(t *testing.T) {
	s := newTestServer(t)

	rec := s.request(t, http.MethodGet, "/api/message-server/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), s.serverID)
}

func TestChannelLifecycleRoutes(t *testing.T) {
	s := newTestServer(t)
	memberID := uuid.New().String()

	rec := s.request(t, http.MethodPost, "/api/channels", gin.H{
		"name":                      "ops",
		"participantCentralUserIds": []string{memberID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	channel := body["data"].(map[string]any)["channel"].(map[string]any)
	channelID := channel["id"].(string)

	rec = s.request(t, http.MethodGet, "/api/channels/"+channelID+"/details", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), memberID)

	rec = s.request(t, http.MethodPatch, "/api/channels/"+channelID, gin.H{"name": "ops-renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ops-renamed")

	rec = s.request(t, http.MethodDelete, "/api/channels/"+channelID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.request(t, http.MethodGet, "/api/channels/"+channelID+"/details", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "CHANNEL_NOT_FOUND")
}

func TestDeprecatedAliasRoutes(t *testing.T) {
	s := newTestServer(t)
	channelID := uuid.New().String()

	rec := s.request(t, http.MethodPost, "/api/central-channels/"+channelID+"/messages", gin.H{
		"author_id":         uuid.New().String(),
		"content":           "legacy hello",
		"message_server_id": s.serverID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "true", rec.Header().Get("Deprecation"))

	rec = s.request(t, http.MethodGet, "/api/central-servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Deprecation"))

	rec = s.request(t, http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Deprecation"))
}

func TestChannelAgentRoutes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	agentID := uuid.New().String()
	require.NoError(t, s.svc.AddAgentToServer(ctx, s.serverID, agentID))

	channelID := uuid.New().String()
	rec := s.request(t, http.MethodPost, "/api/channels/"+channelID+"/messages", gin.H{
		"author_id":         uuid.New().String(),
		"content":           "seed",
		"message_server_id": s.serverID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.request(t, http.MethodPost, "/api/channels/"+channelID+"/agents", gin.H{"agentId": agentID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.request(t, http.MethodGet, "/api/channels/"+channelID+"/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), agentID)

	rec = s.request(t, http.MethodDelete, "/api/channels/"+channelID+"/agents/"+agentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.request(t, http.MethodGet, "/api/channels/"+channelID+"/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), agentID)
}
