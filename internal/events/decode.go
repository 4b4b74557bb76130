package events

import (
	"encoding/json"
	"fmt"

	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// DecodeData extracts a typed payload from an event.
//
// On the in-memory bus the payload arrives as the original typed value; over
// NATS it arrives as the generic JSON decoding. Both cases normalize to T here.
func DecodeData[T any](event *bus.Event) (T, error) {
	if typed, ok := event.Data.(T); ok {
		return typed, nil
	}

	var out T
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return out, fmt.Errorf("failed to re-encode event data: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode event data: %w", err)
	}
	return out, nil
}
