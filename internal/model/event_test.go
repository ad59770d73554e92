package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventStreamID(t *testing.T) {
	uid := int64(42)
	e, err := NewEvent(EventUserMessage, &uid, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "user_42", e.StreamID)
	assert.Equal(t, 1, e.Version)

	// Timestamps carry millisecond precision.
	assert.Equal(t, e.Timestamp, e.Timestamp.Truncate(time.Millisecond))
}

func TestNewEventRejectsUnknownType(t *testing.T) {
	_, err := NewEvent("surprise", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewEventAllowsSystemPrefix(t *testing.T) {
	e, err := NewEvent("system.retention_sweep", nil, nil)
	require.NoError(t, err)
	assert.True(t, e.IsRetained())
}

func TestNewUserMessageEventTextCeiling(t *testing.T) {
	_, err := NewUserMessageEvent(1, strings.Repeat("a", MaxUserMessageChars+1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	e, err := NewUserMessageEvent(1, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", e.Data["text"])
}

func TestNewBotResponseEventCarriesLatency(t *testing.T) {
	e, err := NewBotResponseEvent(1, "ok", 250*time.Millisecond, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(250), e.Data["generation_time_ms"])
	assert.Equal(t, "default", e.Data["mode_used"])
}

func TestNewSystemEventSeverity(t *testing.T) {
	_, err := NewSystemEvent("flow_error", nil, nil, "fatal", "session")
	require.Error(t, err)

	e, err := NewSystemEvent("flow_error", nil, nil, "error", "session")
	require.NoError(t, err)
	assert.Equal(t, "flow_error", e.Data["event_subtype"])
	assert.True(t, e.IsRetained())
}

func TestNewCoordinationEventSyntheticStream(t *testing.T) {
	e, err := NewCoordinationEvent("session", "memory", CoordTimeout, nil, time.Second, "deadline exceeded")
	require.NoError(t, err)
	assert.Equal(t, "system_coordination_session_memory", e.StreamID)
	assert.Equal(t, false, e.Data["success"])
	assert.True(t, e.IsRetained())

	uid := int64(3)
	e2, err := NewCoordinationEvent("session", "memory", CoordResponse, &uid, time.Millisecond, "")
	require.NoError(t, err)
	assert.Equal(t, "user_3", e2.StreamID)
	assert.Equal(t, true, e2.Data["success"])
}

func TestWithMetadataEnforcesCeiling(t *testing.T) {
	e, err := NewEvent(EventSystem, nil, map[string]any{"event_subtype": "t", "severity": "info"})
	require.NoError(t, err)

	e2, err := e.WithMetadata("source", "scheduler", 0)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", e2.Metadata["source"])
	assert.NotContains(t, e.Metadata, "source") // receiver untouched

	_, err = e.WithMetadata("blob", strings.Repeat("x", DefaultMetadataMaxBytes+1), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEventTooLarge)
}

func TestSerializedSize(t *testing.T) {
	e, err := NewEvent(EventUserMessage, nil, map[string]any{"text": "abc"})
	require.NoError(t, err)
	n, err := e.SerializedSize()
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}
