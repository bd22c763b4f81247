package httpmw

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
)

// APIKeyAuth gates requests behind the X-API-KEY header. An empty token
// disables the gate.
func APIKeyAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		provided := c.GetHeader("X-API-KEY")
		if provided == "" {
			provided = c.Query("apiKey")
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			apierror.Abort(c, apierror.New(apierror.CodeMissingAPIKey, "a valid X-API-KEY header is required"))
			return
		}
		c.Next()
	}
}
