package apierror

import (
	"github.com/gin-gonic/gin"
)

// envelope is the wire shape for every error body on the /api surface.
type envelope struct {
	Success bool   `json:"success"`
	Error   *Error `json:"error"`
}

// Write renders err as the canonical error envelope. Non-taxonomy errors are
// masked as a generic 500 so internals never leak.
func Write(c *gin.Context, err error) {
	apiErr := As(err)
	c.JSON(apiErr.Status, envelope{Success: false, Error: apiErr})
}

// Abort renders err and stops handler chain execution (middleware use).
func Abort(c *gin.Context, err error) {
	apiErr := As(err)
	c.AbortWithStatusJSON(apiErr.Status, envelope{Success: false, Error: apiErr})
}
