// Package tools defines the tool sum type the agent loop dispatches on, the
// execution harness and its middleware chain. A tool is one of three shapes:
// plain (pure input to output), context-aware (sees the run's cancellation
// signal and message history) and streaming-context (additionally emits agent
// events while it runs). Sub-agent invocations use the context shapes.
package tools

import (
	"context"
	"encoding/json"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/state"
	"goa.design/agentrun/runtime/agent/stream"
)

type (
	// Shape discriminates the tool variants.
	Shape string

	// PlainFunc is the executor of a plain tool. It receives the raw JSON
	// input and a snapshot of the conversation.
	PlainFunc func(ctx context.Context, input json.RawMessage, meta CallMeta) (json.RawMessage, error)

	// ContextFunc is the executor of a context-aware tool. It may return a
	// suspended result.
	ContextFunc func(ctx context.Context, call model.ToolCall, ec *ExecContext) Result

	// StreamingFunc is the executor of a streaming-context tool. It emits
	// events through ec.Events while running and returns the final result
	// once drained.
	StreamingFunc func(ctx context.Context, call model.ToolCall, ec *ExecContext) Result

	// Tool is the sum type over the three executor shapes. Exactly one
	// executor matching Shape must be set.
	Tool struct {
		// Definition is the schema advertised to the model.
		Definition model.ToolDefinition
		// Shape selects the executor variant.
		Shape Shape
		// RequiresApproval marks the tool as sensitive. The approval
		// middleware suspends its calls until a grant arrives.
		RequiresApproval bool
		// ApprovalDescription is shown to the approver.
		ApprovalDescription string

		Plain     PlainFunc
		Context   ContextFunc
		Streaming StreamingFunc

		// Middleware wraps this tool's executor. Applied when the tool is
		// constructed, composed right to left: first entry is outermost.
		Middleware []Middleware
	}

	// CallMeta is the read-only context handed to plain tools.
	CallMeta struct {
		RunID      agent.RunID
		StepNumber int
		Messages   []*model.Message
	}

	// Decision is a caller-supplied answer to a pending approval.
	Decision struct {
		Approved bool
		Reason   string
	}

	// ExecContext carries the per-call execution scope: run identity,
	// conversation snapshot, cancellation probe, approval grants and the
	// event sink for streaming tools.
	ExecContext struct {
		RunID      agent.RunID
		StepNumber int
		Messages   []*model.Message

		// Cancelled reports whether a cancellation signal is set for the
		// run. Nil means no probe is available.
		Cancelled func(ctx context.Context) (bool, error)

		// Grants maps tool call ids to approval decisions already made by
		// the caller. The approval middleware consults it before suspending.
		Grants map[agent.ToolCallID]Decision

		// Events receives events emitted by streaming tools. Nil for
		// non-streaming execution.
		Events func(stream.Event)
	}

	// ResultKind discriminates tool outcomes.
	ResultKind string

	// Result is the outcome of one tool call.
	Result struct {
		Kind ResultKind

		// Output is the canonical JSON payload of a successful call.
		Output json.RawMessage

		// ErrorMessage, ErrorCode and Retryable describe a failed call.
		ErrorMessage string
		ErrorCode    string
		Retryable    bool

		// Suspension is the approval this call is waiting on.
		Suspension *state.ToolApprovalSuspension

		// Stacks carries nested suspension stacks when a sub-agent run
		// suspended beneath this call. Rooted at the child; the dispatcher
		// re-roots them at the parent.
		Stacks []state.SuspensionStack

		// ChildRunID identifies the nested run a sub-agent tool started.
		ChildRunID agent.RunID
	}
)

// Tool shapes.
const (
	ShapePlain     Shape = "plain"
	ShapeContext   Shape = "context"
	ShapeStreaming Shape = "streaming-context"
)

// Tool outcome kinds.
const (
	ResultSuccess   ResultKind = "success"
	ResultError     ResultKind = "error"
	ResultSuspended ResultKind = "suspended"
)

// Error codes attached to failed results.
const (
	CodeExecution = "ExecutionError"
	CodeCancelled = "Cancelled"
	CodeTimeout   = "Timeout"
	CodeDenied    = "ApprovalDenied"
)

// Name returns the tool's advertised name.
func (t *Tool) Name() string { return t.Definition.Name }

// Success builds a successful result.
func Success(output json.RawMessage) Result {
	return Result{Kind: ResultSuccess, Output: output}
}

// Errorf builds a failed result.
func Errorf(code string, retryable bool, msg string) Result {
	return Result{Kind: ResultError, ErrorMessage: msg, ErrorCode: code, Retryable: retryable}
}

// Suspended builds a result pending the given approval.
func Suspended(susp state.ToolApprovalSuspension) Result {
	return Result{Kind: ResultSuspended, Suspension: &susp}
}

// SuspendedStacks builds a result pending nested sub-agent suspensions.
func SuspendedStacks(childRunID agent.RunID, stacks []state.SuspensionStack) Result {
	return Result{Kind: ResultSuspended, Stacks: stacks, ChildRunID: childRunID}
}

// Part converts a terminal result into a tool_result message part for the
// given call. Suspended results have no part representation.
func (r Result) Part(call model.ToolCall) model.ToolResultPart {
	part := model.ToolResultPart{ToolUseID: call.ID, ToolName: call.Name}
	switch r.Kind {
	case ResultSuccess:
		part.Content = r.Output
	case ResultError:
		part.Content = model.ErrorContent(r.ErrorMessage)
		part.IsError = true
	}
	return part
}
