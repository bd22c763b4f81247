package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/agentmesh/internal/common/config"
)

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
// The API surface and the rest of the server can carry different allowed
// origins; both default to "*" when unconfigured.
func corsMiddleware(cfg config.ServerConfig) gin.HandlerFunc {
	origin := cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	apiOrigin := cfg.APICORSOrigin
	if apiOrigin == "" {
		apiOrigin = origin
	}

	return func(c *gin.Context) {
		allowed := origin
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			allowed = apiOrigin
		}
		c.Header("Access-Control-Allow-Origin", allowed)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-API-KEY, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
