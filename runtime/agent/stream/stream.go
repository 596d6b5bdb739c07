// Package stream defines the agent event taxonomy and the bounded streaming
// pipeline that carries events from the loop to a single consumer. Filterable
// event kinds are emitted only when the executing manifest allows them;
// lifecycle kinds are always emitted.
package stream

import (
	"encoding/json"
	"time"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/run"
)

type (
	// EventType names one agent event kind.
	EventType string

	// Event is the tagged union of everything the pipeline emits. Type
	// selects which of the optional fields are meaningful. Every event
	// carries the executing agent's manifest id, the direct parent's
	// manifest id when it originates from a sub-agent run, a timestamp and
	// a pipeline-scoped sequence number.
	Event struct {
		Type             EventType `json:"type"`
		ManifestID       agent.ID  `json:"manifestId"`
		ParentManifestID agent.ID  `json:"parentManifestId,omitempty"`
		Timestamp        time.Time `json:"timestamp"`
		Sequence         uint64    `json:"sequence"`

		// RunID is set on lifecycle events.
		RunID agent.RunID `json:"runId,omitempty"`

		// TextDelta carries incremental text for text-delta events.
		TextDelta string `json:"textDelta,omitempty"`

		// Tool fields describe tool-call, tool-input-* and tool-result
		// events.
		ToolCallID     agent.ToolCallID      `json:"toolCallId,omitempty"`
		ToolName       string                `json:"toolName,omitempty"`
		ToolInput      json.RawMessage       `json:"toolInput,omitempty"`
		ToolInputDelta string                `json:"toolInputDelta,omitempty"`
		ToolResult     *model.ToolResultPart `json:"toolResult,omitempty"`

		// ReasoningDelta carries incremental reasoning text.
		ReasoningDelta string `json:"reasoningDelta,omitempty"`

		// Step fields describe step-start and step-finish events.
		StepNumber   int                `json:"stepNumber,omitempty"`
		FinishReason model.FinishReason `json:"finishReason,omitempty"`
		Usage        *model.TokenUsage  `json:"usage,omitempty"`

		// ApprovalIDs enumerates pending approvals on agent-suspended.
		ApprovalIDs []agent.ApprovalID `json:"approvalIds,omitempty"`

		// Err describes the failure on agent-error.
		Err *agent.Error `json:"error,omitempty"`

		// SubAgentID names the child manifest on sub-agent-start/end.
		SubAgentID agent.ID `json:"subAgentId,omitempty"`

		// Reason carries the cancellation reason on agent-cancelling and
		// agent-cancelled.
		Reason string `json:"reason,omitempty"`
	}

	// ItemType discriminates stream items.
	ItemType string

	// Item is one element of the stream a consumer reads: an event, an
	// error, or the single terminal final result.
	Item struct {
		Type  ItemType     `json:"type"`
		Event *Event       `json:"event,omitempty"`
		Err   *agent.Error `json:"error,omitempty"`
		Final *run.Result  `json:"final,omitempty"`
	}
)

// Filterable event kinds: emitted only when the manifest's streamingEvents
// set names them.
const (
	EventTextDelta      EventType = "text-delta"
	EventToolCall       EventType = "tool-call"
	EventToolInputStart EventType = "tool-input-start"
	EventToolInputDelta EventType = "tool-input-delta"
	EventToolResult     EventType = "tool-result"
	EventReasoningStart EventType = "reasoning-start"
	EventReasoningDelta EventType = "reasoning-delta"
	EventReasoningEnd   EventType = "reasoning-end"
	EventStepStart      EventType = "step-start"
	EventStepFinish     EventType = "step-finish"
)

// Lifecycle event kinds: always emitted.
const (
	EventAgentStarted    EventType = "agent-started"
	EventAgentDone       EventType = "agent-done"
	EventAgentError      EventType = "agent-error"
	EventAgentSuspended  EventType = "agent-suspended"
	EventAgentCancelled  EventType = "agent-cancelled"
	EventAgentCancelling EventType = "agent-cancelling"
	EventSubAgentStart   EventType = "sub-agent-start"
	EventSubAgentEnd     EventType = "sub-agent-end"
)

// Item types.
const (
	ItemEvent ItemType = "event"
	ItemError ItemType = "error"
	ItemFinal ItemType = "final"
)

// Filterable reports whether the kind is subject to the manifest's
// streamingEvents filter.
func (t EventType) Filterable() bool {
	switch t {
	case EventTextDelta, EventToolCall, EventToolInputStart, EventToolInputDelta,
		EventToolResult, EventReasoningStart, EventReasoningDelta, EventReasoningEnd,
		EventStepStart, EventStepFinish:
		return true
	default:
		return false
	}
}

// Lifecycle reports whether the kind is always emitted.
func (t EventType) Lifecycle() bool {
	switch t {
	case EventAgentStarted, EventAgentDone, EventAgentError, EventAgentSuspended,
		EventAgentCancelled, EventAgentCancelling, EventSubAgentStart, EventSubAgentEnd:
		return true
	default:
		return false
	}
}
