package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/agentmesh/internal/common/config"
)

func corsEngine(cfg config.ServerConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(corsMiddleware(cfg))
	engine.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	engine.GET("/api/channels", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return engine
}

func corsGet(engine *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestCORSDefaultsToWildcard(t *testing.T) {
	engine := corsEngine(config.ServerConfig{})

	rec := corsGet(engine, "/health")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = corsGet(engine, "/api/channels")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSHonorsConfiguredOrigins(t *testing.T) {
	engine := corsEngine(config.ServerConfig{
		CORSOrigin:    "https://app.example.com",
		APICORSOrigin: "https://admin.example.com",
	})

	rec := corsGet(engine, "/health")
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = corsGet(engine, "/api/channels")
	assert.Equal(t, "https://admin.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAPIOriginFallsBackToGeneral(t *testing.T) {
	engine := corsEngine(config.ServerConfig{CORSOrigin: "https://app.example.com"})

	rec := corsGet(engine, "/api/channels")
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	engine := corsEngine(config.ServerConfig{})

	req := httptest.NewRequest(http.MethodOptions, "/api/channels", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
