package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame, err := Encode(TypeSendMessage, SendMessage{
		ConversationID: "conv-1",
		LocalID:        "abc123",
		Body:           "hi",
	})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeSendMessage, env.Type)

	var payload SendMessage
	require.NoError(t, env.Bind(&payload))
	assert.Equal(t, "conv-1", payload.ConversationID)
	assert.Equal(t, "abc123", payload.LocalID)
	assert.Equal(t, "hi", payload.Body)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"payload":{"body":"hi"}}`))
	assert.Error(t, err, "frames without a type are unroutable")
}

func TestBindRejectsEmptyAndMismatchedPayloads(t *testing.T) {
	env := Envelope{Type: TypeMarkRead}
	var mr MarkRead
	assert.Error(t, env.Bind(&mr))

	env, err := Decode([]byte(`{"type":"mark_read","payload":"a string"}`))
	require.NoError(t, err)
	assert.Error(t, env.Bind(&mr))
}

func TestMustEncodePanicsOnUnmarshalable(t *testing.T) {
	assert.Panics(t, func() {
		MustEncode(TypeError, map[string]any{"fn": func() {}})
	})
}
