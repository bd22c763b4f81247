package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
)

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(mw...)
	engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	engine.GET("/fail", func(c *gin.Context) {
		apierror.Write(c, apierror.New(apierror.CodeInvalidID, "nope"))
	})
	return engine
}

func get(engine *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyAuthDisabledWithoutToken(t *testing.T) {
	engine := newEngine(APIKeyAuth(""))
	rec := get(engine, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuthRejectsMissingOrWrongKey(t *testing.T) {
	engine := newEngine(APIKeyAuth("secret"))

	rec := get(engine, "/ping", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "MISSING_API_KEY")

	rec = get(engine, "/ping", map[string]string{"X-API-KEY": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(engine, "/ping", map[string]string{"X-API-KEY": "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuthAcceptsQueryFallback(t *testing.T) {
	engine := newEngine(APIKeyAuth("secret"))
	rec := get(engine, "/ping?apiKey=secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitBlocksAfterBurst(t *testing.T) {
	engine := newEngine(RateLimit(RateLimitOptions{RPS: 0.001, Burst: 2}))

	assert.Equal(t, http.StatusOK, get(engine, "/ping", nil).Code)
	assert.Equal(t, http.StatusOK, get(engine, "/ping", nil).Code)

	rec := get(engine, "/ping", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestUploadRateLimitUsesOwnCode(t *testing.T) {
	engine := newEngine(RateLimit(RateLimitOptions{
		RPS:   0.001,
		Burst: 1,
		Code:  apierror.CodeUploadRateLimitExceeded,
	}))

	assert.Equal(t, http.StatusOK, get(engine, "/ping", nil).Code)
	rec := get(engine, "/ping", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "UPLOAD_RATE_LIMIT_EXCEEDED")
}

func TestRateLimitFileTierUsesOwnCode(t *testing.T) {
	engine := newEngine(RateLimit(RateLimitOptions{
		RPS:   0.001,
		Burst: 1,
		Code:  apierror.CodeFileRateLimitExceeded,
	}))

	assert.Equal(t, http.StatusOK, get(engine, "/ping", nil).Code)
	rec := get(engine, "/ping", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "FILE_RATE_LIMIT_EXCEEDED")
}

func TestRateLimitSkipPrivateExemptsLoopback(t *testing.T) {
	// Test requests come from 192.0.2.1 by default, which is not private;
	// from localhost the limiter is bypassed entirely when SkipPrivate is on.
	engine := newEngine(RateLimit(RateLimitOptions{RPS: 0.001, Burst: 1, SkipPrivate: true}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestSuccessSkippingRateLimitOnlyCountsFailures(t *testing.T) {
	engine := newEngine(SuccessSkippingRateLimit(RateLimitOptions{RPS: 0.001, Burst: 2}))

	// Successes never exhaust the bucket.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(engine, "/ping", nil).Code)
	}

	// Failures do.
	assert.Equal(t, http.StatusBadRequest, get(engine, "/fail", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(engine, "/fail", nil).Code)
	rec := get(engine, "/fail", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestIsPrivateIP(t *testing.T) {
	assert.True(t, isPrivateIP("127.0.0.1"))
	assert.True(t, isPrivateIP("10.1.2.3"))
	assert.True(t, isPrivateIP("192.168.0.5"))
	assert.False(t, isPrivateIP("192.0.2.1"))
	assert.False(t, isPrivateIP("not-an-ip"))
}
