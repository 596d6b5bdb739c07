package runtime

import (
	"context"
	"encoding/json"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/dispatch"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/run"
	"goa.design/agentrun/runtime/agent/state"
	"goa.design/agentrun/runtime/agent/stream"
	"goa.design/agentrun/runtime/agent/tools"
)

// resumeApproval applies one approval decision to a suspended run. The
// approval either belongs to this agent directly or sits at the bottom of a
// suspension stack, in which case the decision is drilled down the stack and
// the child's outcome bubbles back up as a tool result.
func (e *execution) resumeApproval(ctx context.Context, resp ApprovalResponse) *run.Result {
	if idx := e.st.FindSuspension(resp.ApprovalID); idx >= 0 {
		return e.resumeDirect(ctx, idx, resp)
	}
	if idx := e.st.FindStack(resp.ApprovalID); idx >= 0 {
		return e.resumeDelegated(ctx, idx, resp)
	}
	return run.Failed(e.st.ID, agent.NotFoundf("run %s has no pending approval %s", e.st.ID, resp.ApprovalID))
}

// resumeDirect resolves an approval owned by this agent: record the decision,
// re-dispatch the held tool call with the grant in scope and either continue
// the loop or stay suspended on the remaining approvals.
func (e *execution) resumeDirect(ctx context.Context, idx int, resp ApprovalResponse) *run.Result {
	susp := e.st.Suspensions[idx]
	e.st.AppendMessage(&model.Message{Role: model.RoleUser, Parts: []model.Part{
		model.ApprovalResponsePart{
			ApprovalID: susp.ApprovalID,
			ToolCallID: susp.ToolCallID,
			Approved:   resp.Approved,
			Reason:     resp.Reason,
		},
	}})
	e.grants[susp.ToolCallID] = tools.Decision{Approved: resp.Approved, Reason: resp.Reason}
	e.st.RemoveSuspension(idx)

	call := model.ToolCall{ID: susp.ToolCallID, Name: susp.ToolName, Input: susp.ToolArgs}
	out := e.rt.dispatcher.Dispatch(ctx, []model.ToolCall{call}, e.toolsMap(), e.execContext())
	e.emitToolResults(ctx, out.Parts)
	if out.Suspended {
		e.mergeSuspensions(out)
		return e.staySuspended(ctx)
	}
	e.st.PendingToolResults = append(e.st.PendingToolResults, out.Parts...)
	if e.st.HasPendingApprovals() {
		return e.staySuspended(ctx)
	}
	return e.resumeBatch(ctx)
}

// resumeDelegated drills a decision down a suspension stack. The next entry
// names the child state holding the rest of the stack; the recursion bottoms
// out at the agent that owns the approval directly.
func (e *execution) resumeDelegated(ctx context.Context, idx int, resp ApprovalResponse) *run.Result {
	stack := e.st.SuspensionStacks[idx]
	if len(stack.Agents) < 2 {
		return run.Failed(e.st.ID, agent.Internalf("run %s has a malformed suspension stack for approval %s", e.st.ID, resp.ApprovalID))
	}
	callID := stack.Agents[0].PendingToolCallID
	entry := stack.Agents[1]

	childSt, err := e.rt.states.Get(ctx, entry.StateID)
	if err != nil {
		return run.Failed(e.st.ID, err)
	}
	childMan, err := e.mm.Get(entry.ManifestID)
	if err != nil {
		return run.Failed(e.st.ID, err)
	}
	child := e.rt.newExecution(e.mm, childMan, childSt, e.pipe, e.man.ID)
	res := child.resumeApproval(ctx, resp)

	toolName := e.subAgentName(entry.ManifestID)
	switch res.Status {
	case run.StatusSuspended:
		// The child still has pending approvals. Every stack routed through
		// this child is a projection of the same child state, so drop them
		// all and rebuild from the child's current suspensions re-rooted
		// under the same pending call.
		prefix := []state.StackEntry{{
			ManifestID:        e.man.ID,
			ManifestVersion:   e.man.Version,
			StateID:           e.st.ID,
			PendingToolCallID: callID,
		}}
		e.st.RemoveStacksThrough(entry.StateID)
		for _, s := range childStacks(child.st, childMan) {
			e.st.SuspensionStacks = append(e.st.SuspensionStacks, s.Reroot(prefix))
		}
		return e.staySuspended(ctx)

	case run.StatusComplete:
		e.emit(ctx, stream.Event{Type: stream.EventSubAgentEnd, SubAgentID: entry.ManifestID, ToolCallID: callID})
		part, err := subAgentResultPart(callID, toolName, res)
		if err != nil {
			return run.Failed(e.st.ID, err)
		}
		return e.settleStack(ctx, idx, part)

	case run.StatusCancelled:
		e.emit(ctx, stream.Event{Type: stream.EventSubAgentEnd, SubAgentID: entry.ManifestID, ToolCallID: callID})
		return e.settleStack(ctx, idx, errorResultPart(callID, toolName, "Operation cancelled"))

	default:
		e.emit(ctx, stream.Event{Type: stream.EventSubAgentEnd, SubAgentID: entry.ManifestID, ToolCallID: callID})
		msg := "sub-agent run failed"
		if res.Err != nil {
			msg = res.Err.Message
		}
		return e.settleStack(ctx, idx, errorResultPart(callID, toolName, msg))
	}
}

// settleStack records a stack's terminal tool result and either resumes the
// loop or stays suspended on the remaining approvals.
func (e *execution) settleStack(ctx context.Context, idx int, part model.ToolResultPart) *run.Result {
	e.st.RemoveStack(idx)
	e.st.PendingToolResults = append(e.st.PendingToolResults, part)
	e.emitToolResults(ctx, []model.ToolResultPart{part})
	if e.st.HasPendingApprovals() {
		return e.staySuspended(ctx)
	}
	return e.resumeBatch(ctx)
}

// resumeBatch closes out a fully-resolved tool batch: order the carried
// results to match the original calls, append the tool message and hand
// control back to the loop.
func (e *execution) resumeBatch(ctx context.Context) *run.Result {
	calls := pendingCalls(e.st)
	parts := dispatch.OrderParts(calls, e.st.PendingToolResults)
	e.st.PendingToolResults = nil
	e.st.Status = state.StatusRunning
	e.st.AppendMessage(&model.Message{Role: model.RoleTool, Parts: toolParts(parts)})
	if err := e.persist(ctx); err != nil {
		e.rt.logger.Warn(ctx, "state not persisted on resume", "run", e.st.ID, "err", err)
	}
	return e.loop(ctx)
}

// resumeContinue re-drives a run after a crash or replays its last known
// outcome. prior is the persisted status before this cycle took over.
func (e *execution) resumeContinue(ctx context.Context, prior state.Status) *run.Result {
	switch prior {
	case state.StatusCompleted:
		e.st.Status = state.StatusCompleted
		return run.Complete(e.st.ID, lastAssistantText(e.st), model.TokenUsage{})
	case state.StatusFailed:
		e.st.Status = state.StatusFailed
		return run.Failed(e.st.ID, agent.Internalf("run %s already failed", e.st.ID))
	case state.StatusCancelled:
		e.st.Status = state.StatusCancelled
		return run.Cancelled(e.st.ID)
	case state.StatusSuspended:
		e.st.Status = state.StatusSuspended
		return run.Suspended(e.st.ID, e.st.Suspensions, e.st.SuspensionStacks, model.TokenUsage{})
	}

	// The run was mid-flight when its holder died. At-least-once resume:
	// finish any half-dispatched batch before handing back to the loop.
	calls := pendingCalls(e.st)
	if len(calls) == 0 {
		return e.loop(ctx)
	}
	done := make(map[agent.ToolCallID]bool, len(e.st.PendingToolResults))
	for _, p := range e.st.PendingToolResults {
		done[p.ToolUseID] = true
	}
	var missing []model.ToolCall
	for _, c := range calls {
		if !done[c.ID] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		out := e.rt.dispatcher.Dispatch(ctx, missing, e.toolsMap(), e.execContext())
		e.emitToolResults(ctx, out.Parts)
		if out.Suspended {
			e.mergeSuspensions(out)
			return e.staySuspended(ctx)
		}
		e.st.PendingToolResults = append(e.st.PendingToolResults, out.Parts...)
	}
	if e.st.HasPendingApprovals() {
		return e.staySuspended(ctx)
	}
	return e.resumeBatch(ctx)
}

// subAgentName resolves the delegation tool name the manifest advertises for
// a sub-agent.
func (e *execution) subAgentName(id agent.ID) string {
	for _, ref := range e.man.SubAgents {
		if ref.ManifestID == id {
			return ref.Name
		}
	}
	return id.String()
}

func (e *execution) emitToolResults(ctx context.Context, parts []model.ToolResultPart) {
	for i := range parts {
		e.emit(ctx, stream.Event{Type: stream.EventToolResult, ToolCallID: parts[i].ToolUseID, ToolName: parts[i].ToolName, ToolResult: &parts[i]})
	}
}

// subAgentResultPart adapts a completed child run into the tool result of the
// invoking call.
func subAgentResultPart(callID agent.ToolCallID, toolName string, res *run.Result) (model.ToolResultPart, error) {
	content := res.Output
	if len(content) == 0 {
		encoded, err := json.Marshal(res.Text)
		if err != nil {
			return model.ToolResultPart{}, agent.Internalf("encode sub-agent result: %v", err)
		}
		content = encoded
	}
	return model.ToolResultPart{ToolUseID: callID, ToolName: toolName, Content: content}, nil
}

func errorResultPart(callID agent.ToolCallID, toolName, msg string) model.ToolResultPart {
	return model.ToolResultPart{ToolUseID: callID, ToolName: toolName, Content: model.ErrorContent(msg), IsError: true}
}

// pendingCalls returns the tool calls of the batch still awaiting its tool
// message: the last assistant message's calls unless a tool message already
// answered them.
func pendingCalls(st *state.AgentState) []model.ToolCall {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		msg := st.Messages[i]
		switch msg.Role {
		case model.RoleTool:
			return nil
		case model.RoleAssistant:
			uses := msg.ToolUses()
			if len(uses) == 0 {
				return nil
			}
			calls := make([]model.ToolCall, len(uses))
			for j, u := range uses {
				calls[j] = model.ToolCall{ID: u.ID, Name: u.Name, Input: u.Input}
			}
			return calls
		}
	}
	return nil
}

// lastAssistantText returns the text of the most recent assistant message.
func lastAssistantText(st *state.AgentState) string {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role != model.RoleAssistant {
			continue
		}
		if txt := st.Messages[i].Text(); txt != "" {
			return txt
		}
	}
	return ""
}
