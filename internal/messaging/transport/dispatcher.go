package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/messaging/models"
)

// Dispatcher returns agent replies to clients over the selected transport.
// The user message is already persisted when a request reaches it.
type Dispatcher struct {
	runtime agent.Runtime
	log     *logger.Logger
}

// NewDispatcher wires the dispatcher against an agent runtime.
func NewDispatcher(runtime agent.Runtime, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		runtime: runtime,
		log:     log.WithFields(zap.String("component", "transport")),
	}
}

// Request carries one dispatch: the resolved transport, the target agent, the
// persisted user message, the partial agent input, and optional extra fields
// merged into the sync and socket response envelopes.
type Request struct {
	Transport   Transport
	AgentID     string
	UserMessage *models.Message
	Input       *agent.Input
	Extra       map[string]any

	// SideEffect runs asynchronously after the socket acknowledgment. It
	// must not touch the HTTP response.
	SideEffect func()
}

// Handle completes the HTTP exchange for the request. The gin context must
// not be written to before this call.
func (d *Dispatcher) Handle(c *gin.Context, req Request) {
	switch req.Transport {
	case HTTP:
		d.handleSync(c, req)
	case SSE:
		d.handleSSE(c, req)
	default:
		d.handleSocket(c, req)
	}
}

func (d *Dispatcher) handleSync(c *gin.Context, req Request) {
	resp, err := d.runtime.HandleMessage(c.Request.Context(), req.AgentID, req.Input)
	if err != nil {
		d.log.Error("sync agent call failed",
			zap.String("agent_id", req.AgentID),
			zap.String("channel_id", req.Input.ChannelID),
			zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			apierror.Write(c, apierror.New(apierror.CodeUpstreamTimeout, "agent did not answer in time"))
			return
		}
		apierror.Write(c, apierror.New(apierror.CodeRuntimeError, "agent processing failed"))
		return
	}

	body := gin.H{
		"success":       true,
		"userMessage":   req.UserMessage,
		"agentResponse": resp,
	}
	for k, v := range req.Extra {
		body[k] = v
	}
	c.JSON(http.StatusCreated, body)
}

func (d *Dispatcher) handleSocket(c *gin.Context, req Request) {
	body := gin.H{
		"success":     true,
		"userMessage": req.UserMessage,
	}
	for k, v := range req.Extra {
		body[k] = v
	}
	c.JSON(http.StatusCreated, body)

	if req.SideEffect != nil {
		go req.SideEffect()
	}
}

// sseWriter serializes SSE frames onto a gin response.
type sseWriter struct {
	c *gin.Context
}

func (w *sseWriter) send(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(`{}`)
	}
	fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", event, raw)
	w.c.Writer.Flush()
}

func (d *Dispatcher) handleSSE(c *gin.Context, req Request) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	w := &sseWriter{c: c}
	w.send("user_message", req.UserMessage)

	// Chunk indices increase strictly per stream; clients reassemble by
	// index, not arrival order.
	index := 0
	done := false

	cb := agent.StreamCallbacks{
		OnStreamChunk: func(chunk string, messageID string) {
			if done {
				return
			}
			w.send("chunk", gin.H{
				"chunk":     chunk,
				"index":     index,
				"messageId": messageID,
			})
			index++
		},
		OnResponse: func(resp *agent.Response) {
			if done {
				return
			}
			done = true
			w.send("done", gin.H{"response": resp})
		},
		OnError: func(err error) {
			if done {
				return
			}
			done = true
			w.send("error", gin.H{"error": err.Error()})
		},
	}

	if err := d.runtime.HandleMessageStream(c.Request.Context(), req.AgentID, req.Input, cb); err != nil && !done {
		d.log.Error("stream agent call failed",
			zap.String("agent_id", req.AgentID),
			zap.String("channel_id", req.Input.ChannelID),
			zap.Error(err))
		w.send("error", gin.H{"error": "agent processing failed"})
	}
}
