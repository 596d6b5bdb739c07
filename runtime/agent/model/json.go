// JSON helpers for marshaling and unmarshaling message parts. Parts are
// encoded as objects carrying a "kind" discriminator so every message round
// trips through the persisted state format (schemaVersion 1).
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

type partEnvelope struct {
	Kind string `json:"kind"`
}

// MarshalJSON encodes the message with discriminated parts.
func (m Message) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, 0, len(m.Parts))
	for i, p := range m.Parts {
		raw, err := MarshalPart(p)
		if err != nil {
			return nil, fmt.Errorf("encode parts[%d]: %w", i, err)
		}
		parts = append(parts, raw)
	}
	type alias struct {
		Role  ConversationRole  `json:"role"`
		Parts []json.RawMessage `json:"parts"`
		Meta  map[string]any    `json:"meta,omitempty"`
	}
	return json.Marshal(alias{Role: m.Role, Parts: parts, Meta: m.Meta})
}

// UnmarshalJSON decodes a message while materializing concrete Part
// implementations from their kind discriminators.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role  ConversationRole  `json:"role"`
		Parts []json.RawMessage `json:"parts"`
		Meta  map[string]any    `json:"meta,omitempty"`
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	m.Role = tmp.Role
	m.Meta = tmp.Meta
	if len(tmp.Parts) == 0 {
		m.Parts = nil
		return nil
	}
	m.Parts = make([]Part, 0, len(tmp.Parts))
	for i, raw := range tmp.Parts {
		part, err := UnmarshalPart(raw)
		if err != nil {
			return fmt.Errorf("decode parts[%d]: %w", i, err)
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

// MarshalPart encodes one part as an object with its kind discriminator.
func MarshalPart(p Part) (json.RawMessage, error) {
	if p == nil {
		return nil, errors.New("nil part")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, err := json.Marshal(p.PartKind())
	if err != nil {
		return nil, err
	}
	fields["kind"] = kind
	return json.Marshal(fields)
}

// UnmarshalPart decodes one discriminated part object.
func UnmarshalPart(raw json.RawMessage) (Part, error) {
	var env partEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Bare strings decode as text parts for resilience to hand-written
		// fixtures.
		var text string
		if errText := json.Unmarshal(raw, &text); errText == nil {
			return TextPart{Text: text}, nil
		}
		return nil, fmt.Errorf("decode part envelope: %w", err)
	}
	switch env.Kind {
	case KindText:
		var p TextPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode TextPart: %w", err)
		}
		return p, nil
	case KindReasoning:
		var p ReasoningPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ReasoningPart: %w", err)
		}
		return p, nil
	case KindToolUse:
		var p ToolUsePart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ToolUsePart: %w", err)
		}
		if p.Name == "" {
			return nil, errors.New("ToolUsePart requires name")
		}
		return p, nil
	case KindToolResult:
		var p ToolResultPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ToolResultPart: %w", err)
		}
		if p.ToolUseID == "" {
			return nil, errors.New("ToolResultPart requires toolUseId")
		}
		return p, nil
	case KindApprovalResponse:
		var p ApprovalResponsePart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode ApprovalResponsePart: %w", err)
		}
		return p, nil
	case KindBinary:
		var p BinaryPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode BinaryPart: %w", err)
		}
		return p, nil
	case KindBlob:
		var p BlobPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode BlobPart: %w", err)
		}
		if p.URI == "" {
			return nil, errors.New("BlobPart requires uri")
		}
		return p, nil
	case "":
		return nil, errors.New("part missing kind")
	default:
		return nil, fmt.Errorf("unknown part kind %q", env.Kind)
	}
}
