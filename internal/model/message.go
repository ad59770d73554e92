// Package model defines the typed messages, events, and conversation turns
// shared by the actors and the event store.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies one of the known inter-actor message kinds.
// The set is closed: dispatch tables must handle every constant below,
// and NewMessage rejects anything else.
type MessageType string

const (
	MsgStoreUserTurn      MessageType = "store_user_turn"
	MsgStoreAssistantTurn MessageType = "store_assistant_turn"
	MsgFetchContext       MessageType = "fetch_context"
	MsgCleanup            MessageType = "cleanup"
	MsgUserStats          MessageType = "user_stats"
)

// requiredFields is the fixed registry of payload fields each message type
// must carry. Optional fields (emotion, mode, limit) are not listed.
var requiredFields = map[MessageType][]string{
	MsgStoreUserTurn:      {"user_id", "content"},
	MsgStoreAssistantTurn: {"user_id", "content"},
	MsgFetchContext:       {"user_id"},
	MsgCleanup:            {"user_id"},
	MsgUserStats:          {"user_id"},
}

// Message is the envelope for all inter-actor communication.
// Treat as immutable after construction.
type Message struct {
	Type      MessageType    `json:"type"`
	Payload   map[string]any `json:"payload"`
	Sender    string         `json:"sender"`
	RequestID uuid.UUID      `json:"request_id"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewMessage constructs a validated message. The type must be registered and
// the payload must contain every required field for that type.
func NewMessage(typ MessageType, payload map[string]any, sender string) (Message, error) {
	fields, ok := requiredFields[typ]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, typ)
	}
	for _, f := range fields {
		if _, present := payload[f]; !present {
			return Message{}, fmt.Errorf("%w: message %q missing field %q", ErrValidation, typ, f)
		}
	}
	if sender == "" {
		sender = "system"
	}
	return Message{
		Type:      typ,
		Payload:   payload,
		Sender:    sender,
		RequestID: uuid.New(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// UserID extracts the user_id payload field. Registered types all require it,
// so a missing or mistyped value indicates a message built outside NewMessage.
func (m Message) UserID() (int64, bool) {
	return payloadInt64(m.Payload, "user_id")
}

// PayloadString returns a string payload field, or "" when absent.
func (m Message) PayloadString(key string) string {
	s, _ := m.Payload[key].(string)
	return s
}

// PayloadInt returns an integer payload field and whether it was present.
func (m Message) PayloadInt(key string) (int64, bool) {
	return payloadInt64(m.Payload, key)
}

func payloadInt64(p map[string]any, key string) (int64, bool) {
	switch v := p[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
