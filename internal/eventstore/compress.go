package eventstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/ashita-ai/kotori/internal/model"
)

// compressedDataKey holds the snappy-compressed, base64-encoded original
// data payload. Its presence marks an event as compressed.
const compressedDataKey = "$snappy"

// compressData replaces the event's data payload with a snappy-compressed
// encoding of its JSON form. The original event is not modified.
func compressData(e model.Event) (model.Event, error) {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: data not serializable: %v", model.ErrValidation, err)
	}
	packed := snappy.Encode(nil, raw)

	out := e
	out.Data = map[string]any{
		compressedDataKey: base64.StdEncoding.EncodeToString(packed),
	}
	return out, nil
}

// decompressData restores a compressed event's original data payload.
// Events without the compression marker pass through unchanged.
func decompressData(e model.Event) (model.Event, error) {
	encoded, ok := e.Data[compressedDataKey].(string)
	if !ok {
		return e, nil
	}
	packed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return model.Event{}, fmt.Errorf("eventstore: decode compressed data: %w", err)
	}
	raw, err := snappy.Decode(nil, packed)
	if err != nil {
		return model.Event{}, fmt.Errorf("eventstore: decompress data: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return model.Event{}, fmt.Errorf("eventstore: unmarshal decompressed data: %w", err)
	}
	out := e
	out.Data = data
	return out, nil
}

func decompressAll(events []model.Event) ([]model.Event, error) {
	for i, e := range events {
		expanded, err := decompressData(e)
		if err != nil {
			return nil, err
		}
		events[i] = expanded
	}
	return events, nil
}
