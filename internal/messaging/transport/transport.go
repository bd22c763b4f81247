// Package transport validates transport tags and dispatches agent replies
// over the sync, SSE and socket shapes.
package transport

import (
	"strings"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
)

// Transport selects how the agent's reply reaches the client.
type Transport string

const (
	// HTTP waits for the reply and returns it in the response body.
	HTTP Transport = "http"
	// SSE streams the reply as server-sent events.
	SSE Transport = "sse"
	// WebSocket acknowledges immediately; the reply arrives over the socket.
	WebSocket Transport = "websocket"
)

// Accepted lists the canonical transport values, in the order error details
// report them.
var Accepted = []string{string(HTTP), string(SSE), string(WebSocket)}

// legacy mode names kept for older clients.
var aliases = map[string]Transport{
	"sync":   HTTP,
	"stream": SSE,
}

// Validate resolves a transport tag. The empty string defaults to websocket;
// legacy aliases sync and stream map to http and sse. Anything else fails
// with INVALID_TRANSPORT carrying the accepted values.
func Validate(raw string) (Transport, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return WebSocket, nil
	}
	switch Transport(value) {
	case HTTP, SSE, WebSocket:
		return Transport(value), nil
	}
	if t, ok := aliases[value]; ok {
		return t, nil
	}
	return "", apierror.New(apierror.CodeInvalidTransport, "unknown transport: "+raw).
		WithDetails(map[string]any{
			"accepted": Accepted,
			"aliases":  map[string]string{"sync": string(HTTP), "stream": string(SSE)},
		})
}
