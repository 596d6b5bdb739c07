// Package dispatch fans out the tool calls of one LLM step, classifies each
// outcome and aggregates the batch. If any call suspends, the whole step
// suspends; terminal sibling results are carried so the loop can assemble
// the batch's single tool message once every suspension resolves.
package dispatch

import (
	"context"
	"sync"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/state"
	"goa.design/agentrun/runtime/agent/telemetry"
	"goa.design/agentrun/runtime/agent/tools"
)

type (
	// SuspendedChild describes a sub-agent run that suspended beneath one
	// call of the batch. Stacks are rooted at the child; the resume engine
	// re-roots them at the parent using Call's id.
	SuspendedChild struct {
		Call       model.ToolCall
		ChildRunID agent.RunID
		Stacks     []state.SuspensionStack
	}

	// Outcome aggregates one batch.
	Outcome struct {
		// Suspended reports whether any call of the batch suspended.
		Suspended bool

		// Parts holds the terminal results (completed, failed, unknown
		// tool) in the original tool-call order. When Suspended is false it
		// has exactly one part per call.
		Parts []model.ToolResultPart

		// Suspensions are the direct approvals raised by calls of this
		// batch.
		Suspensions []state.ToolApprovalSuspension

		// Children are the sub-agent runs that suspended beneath this
		// batch.
		Children []SuspendedChild
	}

	// Dispatcher executes batches through a harness.
	Dispatcher struct {
		harness *tools.Harness
		logger  telemetry.Logger
	}
)

// New builds a dispatcher.
func New(harness *tools.Harness, logger telemetry.Logger) *Dispatcher {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Dispatcher{harness: harness, logger: logger}
}

// Dispatch executes all calls concurrently and aggregates their outcomes.
// Result parts retain the original call order regardless of completion
// order. Unknown tool names synthesize error results without failing the
// batch.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []model.ToolCall, toolsMap map[string]*tools.Tool, ec *tools.ExecContext) Outcome {
	results := make([]tools.Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		tool, ok := toolsMap[call.Name]
		if !ok {
			results[i] = tools.Errorf(tools.CodeExecution, false, "Unknown tool: "+call.Name)
			continue
		}
		wg.Add(1)
		go func(i int, tool *tools.Tool, call model.ToolCall) {
			defer wg.Done()
			results[i] = d.harness.Execute(ctx, tool, call, ec)
		}(i, tool, call)
	}
	wg.Wait()

	var out Outcome
	for i, res := range results {
		call := calls[i]
		switch res.Kind {
		case tools.ResultSuspended:
			out.Suspended = true
			if res.Suspension != nil {
				out.Suspensions = append(out.Suspensions, *res.Suspension)
			}
			if len(res.Stacks) > 0 || res.ChildRunID != "" {
				out.Children = append(out.Children, SuspendedChild{Call: call, ChildRunID: res.ChildRunID, Stacks: res.Stacks})
			}
		default:
			if res.Kind == tools.ResultError {
				d.logger.Warn(ctx, "tool call failed", "tool", call.Name, "callId", call.ID, "code", res.ErrorCode)
			}
			out.Parts = append(out.Parts, res.Part(call))
		}
	}
	return out
}

// OrderParts sorts result parts into the order of the originating calls.
// Parts with unknown call ids keep their relative order at the end. Used
// when a batch is reassembled from carried results after resume.
func OrderParts(calls []model.ToolCall, parts []model.ToolResultPart) []model.ToolResultPart {
	index := make(map[agent.ToolCallID]int, len(calls))
	for i, call := range calls {
		index[call.ID] = i
	}
	ordered := make([]model.ToolResultPart, 0, len(parts))
	var unknown []model.ToolResultPart
	slots := make([]*model.ToolResultPart, len(calls))
	for i := range parts {
		if pos, ok := index[parts[i].ToolUseID]; ok {
			p := parts[i]
			slots[pos] = &p
			continue
		}
		unknown = append(unknown, parts[i])
	}
	for _, p := range slots {
		if p != nil {
			ordered = append(ordered, *p)
		}
	}
	return append(ordered, unknown...)
}
