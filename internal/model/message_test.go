package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageValidPayload(t *testing.T) {
	msg, err := NewMessage(MsgStoreUserTurn, map[string]any{
		"user_id": int64(1),
		"content": "x",
	}, "session")
	require.NoError(t, err)

	assert.Equal(t, MsgStoreUserTurn, msg.Type)
	assert.Equal(t, "session", msg.Sender)
	assert.NotEqual(t, uuid.Nil, msg.RequestID)
	assert.False(t, msg.CreatedAt.IsZero())

	uid, ok := msg.UserID()
	require.True(t, ok)
	assert.Equal(t, int64(1), uid)
}

func TestNewMessageMissingRequiredField(t *testing.T) {
	_, err := NewMessage(MsgStoreUserTurn, map[string]any{"content": "x"}, "session")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewMessageUnknownType(t *testing.T) {
	_, err := NewMessage("reticulate_splines", map[string]any{"user_id": 1}, "session")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewMessageDefaultsSender(t *testing.T) {
	msg, err := NewMessage(MsgFetchContext, map[string]any{"user_id": 7}, "")
	require.NoError(t, err)
	assert.Equal(t, "system", msg.Sender)
}

func TestMessagePayloadAccessors(t *testing.T) {
	msg, err := NewMessage(MsgStoreUserTurn, map[string]any{
		"user_id": 42,
		"content": "hello",
		"emotion": "calm",
	}, "session")
	require.NoError(t, err)

	assert.Equal(t, "hello", msg.PayloadString("content"))
	assert.Equal(t, "calm", msg.PayloadString("emotion"))
	assert.Equal(t, "", msg.PayloadString("mode"))

	// JSON-decoded payloads arrive as float64.
	msg2, err := NewMessage(MsgFetchContext, map[string]any{
		"user_id": float64(42),
		"limit":   float64(5),
	}, "session")
	require.NoError(t, err)
	limit, ok := msg2.PayloadInt("limit")
	require.True(t, ok)
	assert.Equal(t, int64(5), limit)
}
