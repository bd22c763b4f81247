// Package agent connects the message-routing core to agent runtimes: the
// Runtime contract the core invokes, and per-agent workers that consume bus
// traffic and post replies back to the central service.
package agent

import "context"

// Input is the partial message an ingress hands to a runtime.
type Input struct {
	EntityID  string         `json:"entityId"`
	ChannelID string         `json:"channelId"`
	Content   string         `json:"content"`
	MessageID string         `json:"messageId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response is a runtime's reply to a handled message.
type Response struct {
	Text     string         `json:"text"`
	Actions  []string       `json:"actions,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsIgnored reports whether the runtime chose not to answer. Replies with an
// IGNORE action or no text are suppressed rather than delivered.
func (r *Response) IsIgnored() bool {
	if r == nil || r.Text == "" {
		return true
	}
	for _, action := range r.Actions {
		if action == "IGNORE" {
			return true
		}
	}
	return false
}

// StreamCallbacks receive a streamed reply. OnStreamChunk may run many times
// before exactly one of OnResponse or OnError.
type StreamCallbacks struct {
	OnStreamChunk func(chunk string, messageID string)
	OnResponse    func(resp *Response)
	OnError       func(err error)
}

// Runtime is the agent execution surface the core depends on. It may live in
// this process or proxy to an external one.
type Runtime interface {
	// HandleMessage processes a message and returns the agent's reply. The
	// context deadline bounds the call.
	HandleMessage(ctx context.Context, agentID string, input *Input) (*Response, error)

	// HandleMessageStream processes a message, delivering the reply through
	// the callbacks. It returns after the final callback has run.
	HandleMessageStream(ctx context.Context, agentID string, input *Input, cb StreamCallbacks) error

	// GenerateText runs a bare text-model call, used for channel titles.
	GenerateText(ctx context.Context, agentID, prompt string, temperature float64, maxTokens int) (string, error)
}
