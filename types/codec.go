package types

import (
	"encoding/json"
	"fmt"
)

// content kinds written next to the payload so that polymorphic content survives
// a round trip through Redis, SQL or Mongo.
const (
	contentKindText     = "text"
	contentKindEpisodic = "episodic"
	contentKindRaw      = "raw"
)

type memoryUnitAlias MemoryUnit

type memoryUnitWire struct {
	*memoryUnitAlias
	ContentKind string          `json:"content_kind"`
	Content     json.RawMessage `json:"content"`
}

// MarshalJSON implements json.Marshaler.
func (u MemoryUnit) MarshalJSON() ([]byte, error) {
	kind := contentKindRaw
	switch u.Content.(type) {
	case string:
		kind = contentKindText
	case *EpisodicContent, EpisodicContent:
		kind = contentKindEpisodic
	}
	raw, err := json.Marshal(u.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	alias := memoryUnitAlias(u)
	return json.Marshal(memoryUnitWire{memoryUnitAlias: &alias, ContentKind: kind, Content: raw})
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *MemoryUnit) UnmarshalJSON(data []byte) error {
	wire := memoryUnitWire{memoryUnitAlias: (*memoryUnitAlias)(u)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Content) == 0 || string(wire.Content) == "null" {
		u.Content = nil
		return nil
	}
	switch wire.ContentKind {
	case contentKindText:
		var s string
		if err := json.Unmarshal(wire.Content, &s); err != nil {
			return fmt.Errorf("decode text content: %w", err)
		}
		u.Content = s
	case contentKindEpisodic:
		var ep EpisodicContent
		if err := json.Unmarshal(wire.Content, &ep); err != nil {
			return fmt.Errorf("decode episodic content: %w", err)
		}
		u.Content = &ep
	default:
		var v any
		if err := json.Unmarshal(wire.Content, &v); err != nil {
			return fmt.Errorf("decode content: %w", err)
		}
		u.Content = v
	}
	return nil
}
