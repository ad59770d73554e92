package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an event in the append-only log.
type EventType string

const (
	EventUserMessage  EventType = "user_message"
	EventBotResponse  EventType = "bot_response"
	EventSystem       EventType = "system_event"
	EventCoordination EventType = "actor_coordination"
)

// SystemEventPrefix marks event types outside the allow-list that are still
// accepted as system events.
const SystemEventPrefix = "system."

// Text ceilings for the two conversational event payloads.
const (
	MaxUserMessageChars = 4096
	MaxBotResponseChars = 8192
)

// DefaultMetadataMaxBytes bounds the serialized metadata of a single event.
const DefaultMetadataMaxBytes = 1024

var knownEventTypes = map[EventType]struct{}{
	EventUserMessage:  {},
	EventBotResponse:  {},
	EventSystem:       {},
	EventCoordination: {},
}

// Event is an immutable fact appended to the durable log. Events are grouped
// into streams: one per user, or one per actor pair for coordination events.
type Event struct {
	EventID   uuid.UUID      `json:"event_id"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"` // millisecond precision
	UserID    *int64         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data"`
	StreamID  string         `json:"stream_id"`
	Version   int            `json:"version"`
	Metadata  map[string]any `json:"metadata"`
}

// NewEvent constructs a validated event. The type must be in the allow-list
// or carry the system prefix. StreamID defaults to "user_{id}" when a user
// is present.
func NewEvent(typ EventType, userID *int64, data map[string]any) (Event, error) {
	if _, ok := knownEventTypes[typ]; !ok && !isSystemType(typ) {
		return Event{}, fmt.Errorf("%w: event type %q not allowed", ErrValidation, typ)
	}
	if data == nil {
		data = map[string]any{}
	}

	e := Event{
		EventID:   uuid.New(),
		EventType: typ,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		UserID:    userID,
		Data:      data,
		Version:   1,
		Metadata:  map[string]any{},
	}
	if userID != nil {
		e.StreamID = fmt.Sprintf("user_%d", *userID)
	}
	return e, nil
}

// NewUserMessageEvent records an inbound user message.
func NewUserMessageEvent(userID int64, text string) (Event, error) {
	if len(text) > MaxUserMessageChars {
		return Event{}, fmt.Errorf("%w: user message length %d exceeds %d", ErrValidation, len(text), MaxUserMessageChars)
	}
	return NewEvent(EventUserMessage, &userID, map[string]any{
		"text": text,
	})
}

// NewBotResponseEvent records a generated response and the time it took.
func NewBotResponseEvent(userID int64, text string, generation time.Duration, mode string) (Event, error) {
	if len(text) > MaxBotResponseChars {
		return Event{}, fmt.Errorf("%w: bot response length %d exceeds %d", ErrValidation, len(text), MaxBotResponseChars)
	}
	data := map[string]any{
		"response_text":      text,
		"generation_time_ms": generation.Milliseconds(),
	}
	if mode != "" {
		data["mode_used"] = mode
	}
	return NewEvent(EventBotResponse, &userID, data)
}

// NewSystemEvent records an internal occurrence. Severity is one of
// info, warning, error, critical.
func NewSystemEvent(subtype string, userID *int64, data map[string]any, severity, actorName string) (Event, error) {
	switch severity {
	case "info", "warning", "error", "critical":
	default:
		return Event{}, fmt.Errorf("%w: invalid severity %q", ErrValidation, severity)
	}
	if data == nil {
		data = map[string]any{}
	}
	data["event_subtype"] = subtype
	data["severity"] = severity
	if actorName != "" {
		data["actor_name"] = actorName
	}
	return NewEvent(EventSystem, userID, data)
}

// CoordinationOutcome classifies one coordinated call attempt.
type CoordinationOutcome string

const (
	CoordRequest  CoordinationOutcome = "request"
	CoordResponse CoordinationOutcome = "response"
	CoordTimeout  CoordinationOutcome = "timeout"
	CoordError    CoordinationOutcome = "error"
)

// NewCoordinationEvent records the outcome of one inter-actor call attempt.
// Without a user, the stream is synthesized from the actor pair so the call
// history between two actors stays replayable as one sequence.
func NewCoordinationEvent(source, target string, outcome CoordinationOutcome, userID *int64, duration time.Duration, errMsg string) (Event, error) {
	data := map[string]any{
		"source_actor":      source,
		"target_actor":      target,
		"coordination_type": string(outcome),
		"success":           outcome == CoordResponse,
	}
	if duration > 0 {
		data["duration_ms"] = duration.Milliseconds()
	}
	if errMsg != "" {
		data["error_message"] = errMsg
	}
	e, err := NewEvent(EventCoordination, userID, data)
	if err != nil {
		return Event{}, err
	}
	if userID == nil {
		e.StreamID = fmt.Sprintf("system_coordination_%s_%s", source, target)
	}
	return e, nil
}

// ValidateMetadataSize rejects events whose serialized metadata exceeds
// maxBytes. Zero or negative maxBytes applies the default ceiling.
func (e Event) ValidateMetadataSize(maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMetadataMaxBytes
	}
	raw, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata not serializable: %v", ErrValidation, err)
	}
	if len(raw) > maxBytes {
		return fmt.Errorf("%w: metadata %d bytes exceeds %d", ErrEventTooLarge, len(raw), maxBytes)
	}
	return nil
}

// SerializedSize returns the byte size of the event's data plus metadata,
// the quantity bounded by the event-size ceiling.
func (e Event) SerializedSize() (int, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: data not serializable: %v", ErrValidation, err)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("%w: metadata not serializable: %v", ErrValidation, err)
	}
	return len(data) + len(meta), nil
}

// WithMetadata returns a copy of the event with one metadata entry added,
// validated against maxBytes. The receiver is not modified.
func (e Event) WithMetadata(key string, value any, maxBytes int) (Event, error) {
	meta := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	out := e
	out.Metadata = meta
	if err := out.ValidateMetadataSize(maxBytes); err != nil {
		return Event{}, err
	}
	return out, nil
}

// IsRetained reports whether the event type is exempt from the time-based
// retention sweep. System and coordination events are kept indefinitely.
func (e Event) IsRetained() bool {
	return e.EventType == EventSystem || e.EventType == EventCoordination || isSystemType(e.EventType)
}

// RetentionExemptTypes lists the event types the retention sweep must skip.
func RetentionExemptTypes() []string {
	return []string{string(EventSystem), string(EventCoordination)}
}

func isSystemType(typ EventType) bool {
	return strings.HasPrefix(string(typ), SystemEventPrefix) && len(typ) > len(SystemEventPrefix)
}
