// Package run defines the public result types of agent runs: the terminal
// AgentRunResult tagged union and the cancel outcome. They are shared by the
// service facade and the streaming pipeline's final item.
package run

import (
	"encoding/json"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/state"
)

type (
	// Status is the terminal status of a run attempt.
	Status string

	// Result is the outcome of one run or resume cycle.
	Result struct {
		// RunID identifies the run. Callers resume and cancel against it.
		RunID agent.RunID `json:"runId"`
		// Status discriminates the union.
		Status Status `json:"status"`

		// Text is the final assistant text when Status is complete.
		Text string `json:"text,omitempty"`
		// Output is the validated structured output when the manifest
		// declares an output schema.
		Output json.RawMessage `json:"output,omitempty"`
		// Usage aggregates token consumption across all steps of the cycle.
		Usage model.TokenUsage `json:"usage"`

		// Suspensions and SuspensionStacks enumerate the pending approvals
		// when Status is suspended.
		Suspensions      []state.ToolApprovalSuspension `json:"suspensions,omitempty"`
		SuspensionStacks []state.SuspensionStack        `json:"suspensionStacks,omitempty"`

		// Err describes the failure when Status is error.
		Err *agent.Error `json:"error,omitempty"`
	}

	// CancelStatus is the outcome of a cancel request.
	CancelStatus string

	// CancelResult reports how a cancel request was handled.
	CancelResult struct {
		RunID  agent.RunID  `json:"runId"`
		Status CancelStatus `json:"status"`
	}
)

// Terminal run statuses.
const (
	StatusComplete  Status = "complete"
	StatusSuspended Status = "suspended"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Cancel outcomes.
const (
	// CancelCancelled means the run was suspended and moved directly to
	// cancelled.
	CancelCancelled CancelStatus = "cancelled"
	// CancelSignalled means the run is executing and a cooperative signal
	// was written.
	CancelSignalled CancelStatus = "signalled"
	// CancelAlreadyTerminal means the run had already finished.
	CancelAlreadyTerminal CancelStatus = "already-terminal"
)

// Complete builds a successful result.
func Complete(id agent.RunID, text string, usage model.TokenUsage) *Result {
	return &Result{RunID: id, Status: StatusComplete, Text: text, Usage: usage}
}

// Suspended builds a result describing a durable pause.
func Suspended(id agent.RunID, susps []state.ToolApprovalSuspension, stacks []state.SuspensionStack, usage model.TokenUsage) *Result {
	return &Result{RunID: id, Status: StatusSuspended, Suspensions: susps, SuspensionStacks: stacks, Usage: usage}
}

// Failed builds an error result.
func Failed(id agent.RunID, err error) *Result {
	return &Result{RunID: id, Status: StatusError, Err: agent.AsError(err)}
}

// Cancelled builds a cancelled result.
func Cancelled(id agent.RunID) *Result {
	return &Result{RunID: id, Status: StatusCancelled}
}
