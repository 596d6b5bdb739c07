// Package model defines the provider-agnostic contract between the agent
// runtime and LLM providers. Adapters (OpenAI, Anthropic, ...) translate
// Request into provider-specific calls and surface incremental output as
// StreamParts. The runtime never imports provider SDKs directly; it consumes
// only the interfaces in this package.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/agentrun/runtime/agent"
)

type (
	// Client is the contract the agent loop uses to invoke LLM calls.
	// Implementations wrap provider SDKs and must be safe for concurrent use
	// across runs.
	Client interface {
		// Complete sends a chat completion request and returns the collected
		// response. Returns an error if the provider is unavailable or the
		// request is malformed.
		Complete(ctx context.Context, req Request) (*Response, error)

		// Stream sends a chat completion request and returns a Streamer that
		// yields incremental StreamParts. The returned Streamer must be closed
		// by callers. Providers without streaming support return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return StreamParts until io.EOF. Implementations must be safe to call
	// from a single goroutine and release resources on Close.
	Streamer interface {
		// Recv returns the next part of the stream.
		Recv() (StreamPart, error)
		// Close closes the stream.
		Close() error
		// Metadata returns provider-specific stream metadata (request ids,
		// rate-limit details). Contents are optional and provider-defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters of one model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string

		// Instructions is the system prompt, when any.
		Instructions string

		// Messages is the ordered conversation supplied to the model.
		Messages []*Message

		// Tools describes the tool schemas exposed for function calling.
		Tools []*ToolDefinition

		// MaxTokens caps completion tokens. Zero means provider default.
		MaxTokens int

		// Temperature controls sampling. Zero means greedy/provider default.
		Temperature float32
	}

	// Response is the collected (non-streaming) outcome of one model step.
	Response struct {
		// Text is the concatenated assistant text, empty when the model only
		// requested tool calls.
		Text string

		// Reasoning is the concatenated reasoning text when the provider
		// emitted any.
		Reasoning string

		// ToolCalls lists the tool invocations requested by the model in
		// emission order.
		ToolCalls []ToolCall

		// Usage reports token usage when the provider makes it available.
		Usage TokenUsage

		// FinishReason explains why the model stopped generating.
		FinishReason FinishReason
	}

	// ToolCall is one tool invocation requested by the model.
	ToolCall struct {
		// ID correlates the call with its eventual tool result.
		ID agent.ToolCallID `json:"id"`
		// Name identifies the tool to invoke.
		Name string `json:"name"`
		// Input carries the canonical JSON arguments.
		Input json.RawMessage `json:"input"`
	}

	// ToolDefinition describes a tool schema passed to the provider.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string `json:"name"`
		// Description documents the tool for prompting purposes.
		Description string `json:"description"`
		// InputSchema is the JSON Schema describing the tool input.
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}

	// TokenUsage records prompt/completion token counts when reported.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int `json:"inputTokens"`
		// OutputTokens counts tokens produced in this completion.
		OutputTokens int `json:"outputTokens"`
		// TotalTokens is the aggregate when reported; prefer it over summing.
		TotalTokens int `json:"totalTokens"`
	}

	// FinishReason explains why a model step stopped.
	FinishReason string

	// StreamPartType discriminates StreamPart variants.
	StreamPartType string

	// StreamPart is one incremental event emitted by a provider stream. The
	// Type value indicates which payload fields are populated; all other
	// fields are zero.
	StreamPart struct {
		// Type is the part kind.
		Type StreamPartType

		// TextDelta carries an assistant text fragment for PartTextDelta.
		TextDelta string

		// ReasoningDelta carries a reasoning fragment for PartReasoningDelta.
		ReasoningDelta string

		// ToolCallID identifies the in-flight tool call for the
		// tool-input-start/tool-input-delta/tool-call/tool-result kinds.
		ToolCallID agent.ToolCallID

		// ToolName names the tool for tool-input-start and tool-call parts.
		ToolName string

		// InputDelta carries a raw argument fragment for PartToolInputDelta.
		// Fragments are not guaranteed to be valid JSON on their own.
		InputDelta string

		// Input carries the finalized canonical JSON arguments for
		// PartToolCall.
		Input json.RawMessage

		// Result carries a provider-synthesized tool result payload for the
		// rare PartToolResult kind.
		Result json.RawMessage

		// FinishReason is set on PartFinishStep and PartFinish.
		FinishReason FinishReason

		// Usage reports incremental token usage on PartFinishStep/PartFinish.
		Usage TokenUsage
	}
)

// Stream part kinds consumed by the runtime. Providers may emit additional
// kinds; the runtime ignores types it does not recognize.
const (
	PartStart          StreamPartType = "start"
	PartStartStep      StreamPartType = "start-step"
	PartTextDelta      StreamPartType = "text-delta"
	PartToolInputStart StreamPartType = "tool-input-start"
	PartToolInputDelta StreamPartType = "tool-input-delta"
	PartToolCall       StreamPartType = "tool-call"
	PartToolResult     StreamPartType = "tool-result"
	PartFinishStep     StreamPartType = "finish-step"
	PartFinish         StreamPartType = "finish"
	PartReasoningStart StreamPartType = "reasoning-start"
	PartReasoningDelta StreamPartType = "reasoning-delta"
	PartReasoningEnd   StreamPartType = "reasoning-end"
)

// Finish reasons reported by providers, normalized.
const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content-filter"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishError         FinishReason = "error"
)

// Terminal reports whether the finish reason ends the run (no tool calls
// expected afterwards).
func (r FinishReason) Terminal() bool {
	switch r {
	case FinishStop, FinishLength, FinishContentFilter:
		return true
	default:
		return false
	}
}

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// Add accumulates a usage delta.
func (u *TokenUsage) Add(delta TokenUsage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	if delta.TotalTokens > 0 {
		u.TotalTokens += delta.TotalTokens
	} else {
		u.TotalTokens += delta.InputTokens + delta.OutputTokens
	}
}
