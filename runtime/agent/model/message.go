package model

import (
	"encoding/json"

	"goa.design/agentrun/runtime/agent"
)

type (
	// ConversationRole indicates the originator of a message.
	ConversationRole string

	// Message is one entry of a run's conversation. Messages are value-like:
	// the runtime clones them on append so no aliasing crosses component
	// boundaries.
	Message struct {
		// Role is the message role.
		Role ConversationRole `json:"role"`
		// Parts is the ordered content of the message.
		Parts []Part `json:"parts"`
		// Meta carries optional structured metadata preserved across
		// serialization round-trips.
		Meta map[string]any `json:"meta,omitempty"`
	}

	// Part is the marker interface implemented by message content variants.
	Part interface {
		// PartKind returns the discriminator used by the JSON codec.
		PartKind() string
	}

	// TextPart is plain assistant/user text.
	TextPart struct {
		Text string `json:"text"`
	}

	// ReasoningPart preserves provider reasoning output in the transcript.
	ReasoningPart struct {
		Text string `json:"text"`
		// Signature is the provider integrity signature when present.
		Signature string `json:"signature,omitempty"`
	}

	// ToolUsePart records a tool invocation requested by the model inside an
	// assistant message.
	ToolUsePart struct {
		ID    agent.ToolCallID `json:"id"`
		Name  string           `json:"name"`
		Input json.RawMessage  `json:"input,omitempty"`
	}

	// ToolResultPart records the outcome of one tool call inside a tool
	// message. Within a batch the parts appear in the original tool-call
	// order, independent of completion order.
	ToolResultPart struct {
		ToolUseID agent.ToolCallID `json:"toolUseId"`
		ToolName  string           `json:"toolName,omitempty"`
		// Content is the canonical JSON result payload, or a JSON string
		// carrying the error text when IsError is set.
		Content json.RawMessage `json:"content,omitempty"`
		IsError bool            `json:"isError,omitempty"`
	}

	// ApprovalResponsePart resolves a pending tool approval. Appended to the
	// transcript when a caller answers an approval so resumed runs can
	// reconstruct the decision history.
	ApprovalResponsePart struct {
		ApprovalID agent.ApprovalID `json:"approvalId"`
		ToolCallID agent.ToolCallID `json:"toolCallId"`
		Approved   bool             `json:"approved"`
		Reason     string           `json:"reason,omitempty"`
	}

	// BinaryPart holds raw attachment bytes in memory. The state store
	// offloads these to blob storage on persist and never writes the bytes
	// into the cache.
	BinaryPart struct {
		Data        []byte `json:"data"`
		ContentType string `json:"contentType,omitempty"`
	}

	// BlobPart is the persisted marker replacing a BinaryPart: an opaque
	// storage URI resolvable into a short-lived signed download URL on load.
	BlobPart struct {
		URI         string `json:"uri"`
		ContentType string `json:"contentType,omitempty"`
		Size        int64  `json:"size,omitempty"`
	}
)

// Conversation roles.
const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleTool      ConversationRole = "tool"
)

// Part kind discriminators used by the JSON codec.
const (
	KindText             = "text"
	KindReasoning        = "reasoning"
	KindToolUse          = "tool_use"
	KindToolResult       = "tool_result"
	KindApprovalResponse = "approval_response"
	KindBinary           = "binary"
	KindBlob             = "blob"
)

func (TextPart) PartKind() string             { return KindText }
func (ReasoningPart) PartKind() string        { return KindReasoning }
func (ToolUsePart) PartKind() string          { return KindToolUse }
func (ToolResultPart) PartKind() string       { return KindToolResult }
func (ApprovalResponsePart) PartKind() string { return KindApprovalResponse }
func (BinaryPart) PartKind() string           { return KindBinary }
func (BlobPart) PartKind() string             { return KindBlob }

// NewUserText builds a user message holding a single text part.
func NewUserText(text string) *Message {
	return &Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// NewAssistantText builds an assistant message holding a single text part.
func NewAssistantText(text string) *Message {
	return &Message{Role: RoleAssistant, Parts: []Part{TextPart{Text: text}}}
}

// Clone returns a deep copy of the message. Raw JSON and binary payloads are
// copied so mutations on either side stay invisible to the other.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{Role: m.Role}
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = clonePart(p)
		}
	}
	if m.Meta != nil {
		out.Meta = make(map[string]any, len(m.Meta))
		for k, v := range m.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []*Message) []*Message {
	if msgs == nil {
		return nil
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func clonePart(p Part) Part {
	switch v := p.(type) {
	case ToolUsePart:
		v.Input = cloneRaw(v.Input)
		return v
	case ToolResultPart:
		v.Content = cloneRaw(v.Content)
		return v
	case BinaryPart:
		if v.Data != nil {
			data := make([]byte, len(v.Data))
			copy(data, v.Data)
			v.Data = data
		}
		return v
	default:
		// Remaining variants hold only value fields.
		return p
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// Text returns the concatenated text content of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var text string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			text += tp.Text
		}
	}
	return text
}

// ToolUses returns the tool_use parts of the message in order.
func (m *Message) ToolUses() []ToolUsePart {
	if m == nil {
		return nil
	}
	var uses []ToolUsePart
	for _, p := range m.Parts {
		if tu, ok := p.(ToolUsePart); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// ErrorContent encodes an error text as a tool result content payload.
func ErrorContent(text string) json.RawMessage {
	data, err := json.Marshal(map[string]string{"error": text})
	if err != nil {
		return json.RawMessage(`{"error":"unserializable error"}`)
	}
	return data
}
