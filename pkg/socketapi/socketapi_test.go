package socketapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeAcceptsNumericTags(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":1,"payload":{"channelId":"c"}}`), &env))
	assert.Equal(t, EventRoomJoining, env.Type)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"2","payload":{}}`), &env))
	assert.Equal(t, EventSendMessage, env.Type)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"SEND_MESSAGE"}`), &env))
	assert.Equal(t, EventSendMessage, env.Type)

	err := json.Unmarshal([]byte(`{"type":99}`), &env)
	assert.Error(t, err)
}

func TestChannelAliasFallback(t *testing.T) {
	join := RoomJoinPayload{RoomID: "room-1"}
	assert.Equal(t, "room-1", join.Channel())
	join.ChannelID = "chan-1"
	assert.Equal(t, "chan-1", join.Channel())

	send := SendMessagePayload{RoomID: "room-2"}
	assert.Equal(t, "room-2", send.Channel())
}

func TestLogFilterMatches(t *testing.T) {
	entry := &LogEntry{AgentName: "alpha", Level: 30}

	assert.True(t, (*LogFilters)(nil).Matches(entry))
	assert.True(t, (&LogFilters{}).Matches(entry))
	assert.True(t, (&LogFilters{AgentName: "alpha", Level: 30}).Matches(entry))
	assert.False(t, (&LogFilters{AgentName: "beta"}).Matches(entry))
	assert.False(t, (&LogFilters{Level: 40}).Matches(entry))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventMessageAck, AckPayload{MessageID: "m1", Status: "success"})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	var ack AckPayload
	require.NoError(t, decoded.ParsePayload(&ack))
	assert.Equal(t, "m1", ack.MessageID)
	assert.Equal(t, "success", ack.Status)
}
