package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// HTTPRuntime proxies the Runtime contract to an external agent runtime
// service over HTTP. Streaming replies arrive as server-sent events.
type HTTPRuntime struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTPRuntime points the proxy at a runtime service. The client timeout
// applies to non-streaming calls only; streams run until the event source
// closes or the context is done.
func NewHTTPRuntime(baseURL, apiKey string, log *logger.Logger) *HTTPRuntime {
	return &HTTPRuntime{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		logger:     log.WithFields(zap.String("component", "http_runtime")),
	}
}

func (r *HTTPRuntime) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-API-KEY", r.apiKey)
	}
	return r.httpClient.Do(req)
}

// HandleMessage implements Runtime.
func (r *HTTPRuntime) HandleMessage(ctx context.Context, agentID string, input *Input) (*Response, error) {
	res, err := r.post(ctx, "/agents/"+agentID+"/message", input)
	if err != nil {
		return nil, fmt.Errorf("runtime call failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("runtime returned status %d", res.StatusCode)
	}

	var response Response
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decoding runtime response: %w", err)
	}
	return &response, nil
}

// streamEvent is one SSE frame from the runtime's stream endpoint.
type streamEvent struct {
	Chunk     string    `json:"chunk,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Response  *Response `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// HandleMessageStream implements Runtime. Frames arrive as `event:` plus
// `data:` line pairs; chunk frames precede exactly one response or error.
func (r *HTTPRuntime) HandleMessageStream(ctx context.Context, agentID string, input *Input, cb StreamCallbacks) error {
	res, err := r.post(ctx, "/agents/"+agentID+"/message/stream", input)
	if err != nil {
		cb.OnError(fmt.Errorf("runtime call failed: %w", err))
		return nil
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		cb.OnError(fmt.Errorf("runtime returned status %d", res.StatusCode))
		return nil
	}

	var eventName string
	terminal := false
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var frame streamEvent
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				r.logger.Warn("unparsable stream frame", zap.Error(err))
				continue
			}
			switch eventName {
			case "chunk":
				cb.OnStreamChunk(frame.Chunk, frame.MessageID)
			case "response":
				if frame.Response != nil {
					cb.OnResponse(frame.Response)
					terminal = true
				}
			case "error":
				cb.OnError(fmt.Errorf("%s", frame.Error))
				terminal = true
			}
			if terminal {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		cb.OnError(fmt.Errorf("stream interrupted: %w", err))
		return nil
	}
	if !terminal {
		cb.OnError(fmt.Errorf("stream ended without a response"))
	}
	return nil
}

// generateRequest is the bare text-model call body.
type generateRequest struct {
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

// GenerateText implements Runtime.
func (r *HTTPRuntime) GenerateText(ctx context.Context, agentID, prompt string, temperature float64, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := r.post(ctx, "/agents/"+agentID+"/generate", generateRequest{
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("runtime call failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return "", fmt.Errorf("runtime returned status %d", res.StatusCode)
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding runtime response: %w", err)
	}
	return body.Text, nil
}

// UnavailableRuntime rejects every call. Wired when no runtime URL is
// configured so the socket transport keeps working without one.
type UnavailableRuntime struct{}

func (UnavailableRuntime) HandleMessage(ctx context.Context, agentID string, input *Input) (*Response, error) {
	return nil, apierror.New(apierror.CodeRuntimeError, "no agent runtime configured")
}

func (UnavailableRuntime) HandleMessageStream(ctx context.Context, agentID string, input *Input, cb StreamCallbacks) error {
	cb.OnError(apierror.New(apierror.CodeRuntimeError, "no agent runtime configured"))
	return nil
}

func (UnavailableRuntime) GenerateText(ctx context.Context, agentID, prompt string, temperature float64, maxTokens int) (string, error) {
	return "", apierror.New(apierror.CodeRuntimeError, "no agent runtime configured")
}
