package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
)

func TestValidateCanonicalValues(t *testing.T) {
	for raw, want := range map[string]Transport{
		"http":      HTTP,
		"sse":       SSE,
		"websocket": WebSocket,
		"HTTP":      HTTP,
		" sse ":     SSE,
	} {
		got, err := Validate(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestValidateLegacyAliases(t *testing.T) {
	got, err := Validate("sync")
	require.NoError(t, err)
	assert.Equal(t, HTTP, got)

	got, err = Validate("stream")
	require.NoError(t, err)
	assert.Equal(t, SSE, got)
}

func TestValidateEmptyDefaultsToWebsocket(t *testing.T) {
	got, err := Validate("")
	require.NoError(t, err)
	assert.Equal(t, WebSocket, got)
}

func TestValidateRejectsUnknown(t *testing.T) {
	_, err := Validate("carrier-pigeon")
	require.Error(t, err)

	apiErr := apierror.As(err)
	assert.Equal(t, apierror.CodeInvalidTransport, apiErr.Code)
	assert.Equal(t, []string{"http", "sse", "websocket"}, apiErr.Details["accepted"])
}
