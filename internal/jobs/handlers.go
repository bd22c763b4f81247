package jobs

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Handlers exposes the jobs HTTP surface.
type Handlers struct {
	manager *Manager
	logger  *logger.Logger
}

func NewHandlers(manager *Manager, log *logger.Logger) *Handlers {
	return &Handlers{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "jobs-handlers")),
	}
}

// RegisterRoutes mounts the /jobs surface on the api group.
func RegisterRoutes(api *gin.RouterGroup, manager *Manager, log *logger.Logger) {
	h := NewHandlers(manager, log)

	g := api.Group("/jobs")
	g.POST("", h.createJob)
	g.GET("", h.listJobs)
	g.GET("/health", h.health)
	g.GET("/:jobId", h.getJob)
}

type createJobRequest struct {
	UserID    string         `json:"userId"`
	AgentID   string         `json:"agentId"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	TimeoutMs int            `json:"timeoutMs"`
}

func (h *Handlers) createJob(c *gin.Context) {
	var body createJobRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "invalid request body"))
		return
	}
	job, err := h.manager.Create(c.Request.Context(), CreateParams{
		UserID:    body.UserID,
		AgentID:   body.AgentID,
		Content:   body.Content,
		Metadata:  body.Metadata,
		TimeoutMs: body.TimeoutMs,
	})
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"job": job}})
}

func (h *Handlers) listJobs(c *gin.Context) {
	jobs := h.manager.List()
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"jobs": jobs, "total": len(jobs)}})
}

func (h *Handlers) getJob(c *gin.Context) {
	job, err := h.manager.Get(c.Param("jobId"))
	if err != nil {
		apierror.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"job": job}})
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Health())
}
