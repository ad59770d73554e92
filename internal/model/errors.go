package model

import (
	"errors"
	"fmt"
)

// ErrValidation marks a malformed or incomplete message or event.
// Validation failures are never retried.
var ErrValidation = errors.New("model: validation failed")

// ErrUnknownMessageType is returned when a message type is not in the
// registry. Matches ErrValidation via errors.Is.
var ErrUnknownMessageType = fmt.Errorf("%w: unknown message type", ErrValidation)

// ErrEventTooLarge is returned when an event's serialized payload exceeds
// the configured ceiling and cannot be brought under it.
var ErrEventTooLarge = errors.New("model: event exceeds size limit")
