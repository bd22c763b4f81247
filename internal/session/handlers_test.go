package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

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

type scriptedRuntime struct{}

func (s *scriptedRuntime) HandleMessage(ctx context.Context, agentID string, input *agent.Input) (*agent.Response, error) {
	return &agent.Response{Text: "reply to: " + input.Content}, nil
}

func (s *scriptedRuntime) HandleMessageStream(ctx context.Context, agentID string, input *agent.Input, cb agent.StreamCallbacks) error {
	cb.OnStreamChunk("rep", input.MessageID)
	cb.OnStreamChunk("ly", input.MessageID)
	cb.OnResponse(&agent.Response{Text: "reply"})
	return nil
}

func (s *scriptedRuntime) GenerateText(ctx context.Context, agentID, prompt string, temperature float64, maxTokens int) (string, error) {
	return "Session Chat", nil
}

type httpEnv struct {
	engine  *gin.Engine
	clock   *fakeClock
	agentID string
	userID  string
}

func newHTTPEnv(t *testing.T) *httpEnv {
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
	ctx := context.Background()
	_, err = svc.EnsureCurrentServer(ctx, "test")
	require.NoError(t, err)

	agentID := uuid.New().String()
	require.NoError(t, svc.AddAgentToServer(ctx, serverID, agentID))

	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	manager := NewManager(sessionTestConfig(), svc, logger.Default())
	manager.SetClock(clock.Now)
	t.Cleanup(manager.Cleanup)

	dispatcher := transport.NewDispatcher(&scriptedRuntime{}, logger.Default())

	engine := gin.New()
	RegisterRoutes(engine.Group("/api"), manager, svc, dispatcher, logger.Default())

	return &httpEnv{engine: engine, clock: clock, agentID: agentID, userID: uuid.New().String()}
}

func (e *httpEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e *httpEnv) createSession(t *testing.T, body gin.H) map[string]any {
	t.Helper()
	if body == nil {
		body = gin.H{"agentId": e.agentID, "userId": e.userID}
	}
	rec := e.request(t, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func TestCreateAndGetSessionRoundTrip(t *testing.T) {
	env := newHTTPEnv(t)
	view := env.createSession(t, nil)

	sessionID := view["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, view["channelId"])

	rec := env.request(t, http.MethodGet, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, sessionID, got["sessionId"])
	assert.NotNil(t, got["timeRemaining"])
}

func TestSendSyncSessionMessage(t *testing.T) {
	env := newHTTPEnv(t)
	view := env.createSession(t, nil)
	sessionID := view["sessionId"].(string)

	rec := env.request(t, http.MethodPost, "/api/sessions/"+sessionID+"/messages", gin.H{
		"content":   "hi",
		"transport": "http",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])

	userMessage := body["userMessage"].(map[string]any)
	require.NotEmpty(t, userMessage["id"])
	assert.Equal(t, "hi", userMessage["content"])

	agentResponse := body["agentResponse"].(map[string]any)
	assert.Equal(t, "reply to: hi", agentResponse["text"])

	sessionStatus := body["sessionStatus"].(map[string]any)
	assert.NotNil(t, sessionStatus["expiresAt"])
	assert.Equal(t, true, sessionStatus["wasRenewed"])
}

func TestSendStreamSessionMessage(t *testing.T) {
	env := newHTTPEnv(t)
	view := env.createSession(t, nil)
	sessionID := view["sessionId"].(string)

	rec := env.request(t, http.MethodPost, "/api/sessions/"+sessionID+"/messages", gin.H{
		"content":   "stream me",
		"transport": "sse",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	raw := rec.Body.String()
	assert.Contains(t, raw, "event: user_message")
	assert.Contains(t, raw, "event: chunk")
	assert.Contains(t, raw, `"index":0`)
	assert.Contains(t, raw, "event: done")
}

func TestSessionExpiryOverHTTP(t *testing.T) {
	env := newHTTPEnv(t)
	view := env.createSession(t, gin.H{
		"agentId": env.agentID,
		"userId":  env.userID,
		"timeoutConfig": gin.H{
			"timeoutMinutes": 5,
			"autoRenew":      false,
		},
	})
	sessionID := view["sessionId"].(string)

	env.clock.Advance(6 * time.Minute)

	rec := env.request(t, http.MethodPost, "/api/sessions/"+sessionID+"/heartbeat", nil)
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), "SESSION_EXPIRED")

	rec = env.request(t, http.MethodGet, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "SESSION_NOT_FOUND")
}

func TestSessionMessagesInvalidCursor(t *testing.T) {
	env := newHTTPEnv(t)
	view := env.createSession(t, nil)
	sessionID := view["sessionId"].(string)

	rec := env.request(t, http.MethodGet, "/api/sessions/"+sessionID+"/messages?before=NaN", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_PAGINATION")
}

func TestSessionTimeoutPatch(t *testing.T) {
	env := newHTTPEnv(t)
	view := env.createSession(t, nil)
	sessionID := view["sessionId"].(string)

	rec := env.request(t, http.MethodPatch, "/api/sessions/"+sessionID+"/timeout", gin.H{
		"timeoutMinutes": 90,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	timeoutConfig := got["timeoutConfig"].(map[string]any)
	assert.Equal(t, float64(90), timeoutConfig["timeoutMinutes"])
}

func TestSessionsHealthEndpoint(t *testing.T) {
	env := newHTTPEnv(t)
	env.createSession(t, nil)

	rec := env.request(t, http.MethodGet, "/api/sessions/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(1), health["activeSessions"])
}

func TestSessionListAndDelete(t *testing.T) {
	env := newHTTPEnv(t)
	view := env.createSession(t, nil)
	sessionID := view["sessionId"].(string)

	rec := env.request(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), sessionID)

	rec = env.request(t, http.MethodDelete, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
