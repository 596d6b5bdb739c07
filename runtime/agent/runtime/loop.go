package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/dispatch"
	"goa.design/agentrun/runtime/agent/manifest"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/run"
	"goa.design/agentrun/runtime/agent/state"
	"goa.design/agentrun/runtime/agent/stream"
	"goa.design/agentrun/runtime/agent/tools"
)

// errCancelled is the loop-internal sentinel for an observed cancellation
// signal.
var errCancelled = errors.New("run cancelled")

// execution drives one agent (root or nested) over one active cycle. It owns
// the in-memory view of the run between two persistence points.
type execution struct {
	rt       *Runtime
	mm       manifest.Map
	man      *manifest.Manifest
	st       *state.AgentState
	pipe     *stream.Pipeline
	parentID agent.ID

	grants   map[agent.ToolCallID]tools.Decision
	started  time.Time
	usage    model.TokenUsage
	retries  int
	lastPoll time.Time
	reason   string
}

func (rt *Runtime) newExecution(mm manifest.Map, man *manifest.Manifest, st *state.AgentState, pipe *stream.Pipeline, parentID agent.ID) *execution {
	now := time.Now()
	started := now.UTC()
	st.StartedAt = &started
	st.Status = state.StatusRunning
	return &execution{
		rt:       rt,
		mm:       mm,
		man:      man,
		st:       st,
		pipe:     pipe,
		parentID: parentID,
		grants:   make(map[agent.ToolCallID]tools.Decision),
		started:  now,
		lastPoll: now,
	}
}

// emit publishes an event tagged with this execution's identity. A nil
// pipeline (non-streaming run) discards it.
func (e *execution) emit(ctx context.Context, ev stream.Event) {
	if e.pipe == nil {
		return
	}
	ev.ManifestID = e.man.ID
	ev.ParentManifestID = e.parentID
	ev.RunID = e.st.ID
	if err := e.pipe.Emit(ctx, ev); err != nil && !errors.Is(err, stream.ErrClosed) {
		e.rt.logger.Warn(ctx, "event not emitted", "run", e.st.ID, "type", string(ev.Type), "err", err)
	}
}

// budget returns the active-execution budget of this agent.
func (e *execution) budget() time.Duration {
	if e.man.Timeout > 0 {
		return e.man.Timeout
	}
	return e.rt.opts.AgentTimeout
}

// elapsed returns accumulated plus current-cycle active execution time.
func (e *execution) elapsed() time.Duration {
	return time.Duration(e.st.ElapsedExecutionMS)*time.Millisecond + time.Since(e.started)
}

// stopClock folds the current cycle into the persisted elapsed counter.
func (e *execution) stopClock() {
	e.st.ElapsedExecutionMS += time.Since(e.started).Milliseconds()
	e.started = time.Now()
}

// cancelled polls the cancellation channel, throttled to the configured
// interval, and treats consumer context death as a cancellation request.
func (e *execution) cancelled(ctx context.Context, force bool) bool {
	if ctx.Err() != nil {
		e.reason = "context cancelled"
		return true
	}
	if !force && time.Since(e.lastPoll) < e.rt.opts.CancellationPollInterval {
		return false
	}
	e.lastPoll = time.Now()
	sig, err := e.rt.cancels.Check(ctx, e.st.ID)
	if err != nil {
		e.rt.logger.Warn(ctx, "cancellation poll failed", "run", e.st.ID, "err", err)
		return false
	}
	if sig != nil {
		e.reason = sig.Reason
		return true
	}
	return false
}

// persist writes the state. Persistence failures on non-terminal paths are
// logged and do not abort the run.
func (e *execution) persist(ctx context.Context) error {
	return e.rt.states.Set(ctx, e.st)
}

// loop is the per-run state machine: call the model, dispatch tool calls,
// append messages and repeat until a terminal outcome or a suspension.
func (e *execution) loop(ctx context.Context) *run.Result {
	e.emit(ctx, stream.Event{Type: stream.EventAgentStarted})
	for {
		if e.elapsed() > e.budget() {
			return e.finishFailed(ctx, agent.Timeoutf("run %s exceeded its %s execution budget", e.st.ID, e.budget()))
		}
		if e.cancelled(ctx, true) {
			return e.finishCancelled(ctx)
		}

		e.st.CurrentStepNumber++
		e.emit(ctx, stream.Event{Type: stream.EventStepStart, StepNumber: e.st.CurrentStepNumber})

		resp, err := e.step(ctx)
		if err != nil {
			if errors.Is(err, errCancelled) {
				return e.finishCancelled(ctx)
			}
			return e.finishFailed(ctx, err)
		}
		e.usage.Add(resp.Usage)
		e.recordStep(resp)
		e.emit(ctx, stream.Event{Type: stream.EventStepFinish, StepNumber: e.st.CurrentStepNumber, FinishReason: resp.FinishReason, Usage: &resp.Usage})

		if len(resp.ToolCalls) == 0 {
			e.appendAssistant(resp)
			if done, res := e.finishText(ctx, resp); done {
				return res
			}
			// Output validation failed; a corrective message was appended.
			continue
		}

		e.appendAssistant(resp)
		out := e.rt.dispatcher.Dispatch(ctx, resp.ToolCalls, e.toolsMap(), e.execContext())
		for i := range out.Parts {
			e.emit(ctx, stream.Event{Type: stream.EventToolResult, ToolCallID: out.Parts[i].ToolUseID, ToolName: out.Parts[i].ToolName, ToolResult: &out.Parts[i]})
		}

		if out.Suspended {
			return e.finishSuspended(ctx, out)
		}

		e.st.AppendMessage(&model.Message{Role: model.RoleTool, Parts: toolParts(out.Parts)})
		if err := e.persist(ctx); err != nil {
			e.rt.logger.Warn(ctx, "state not persisted mid-run", "run", e.st.ID, "err", err)
		}
	}
}

// step invokes the model once, streaming when the provider supports it, and
// collects the response while emitting filterable events.
func (e *execution) step(ctx context.Context) (*model.Response, error) {
	client, err := e.rt.client(e.man)
	if err != nil {
		return nil, err
	}
	req := model.Request{
		Model:        e.man.Provider.Model,
		Instructions: e.man.Instructions,
		Messages:     e.st.Messages,
		Tools:        e.toolDefs(),
		MaxTokens:    e.man.Provider.MaxTokens,
		Temperature:  e.man.Provider.Temperature,
	}

	streamer, err := client.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		resp, err := client.Complete(ctx, req)
		if err != nil {
			return nil, agent.Internalf("model call failed: %v", err)
		}
		if resp.Text != "" {
			e.emit(ctx, stream.Event{Type: stream.EventTextDelta, TextDelta: resp.Text})
		}
		for _, call := range resp.ToolCalls {
			e.emit(ctx, stream.Event{Type: stream.EventToolCall, ToolCallID: call.ID, ToolName: call.Name, ToolInput: call.Input})
		}
		return resp, nil
	}
	if err != nil {
		return nil, agent.Internalf("model stream failed: %v", err)
	}
	defer streamer.Close()

	return e.collect(ctx, streamer)
}

// collect drains the provider stream into a Response. Each part arrival is a
// suspension point: the cancellation signal is polled on the configured
// interval.
func (e *execution) collect(ctx context.Context, streamer model.Streamer) (*model.Response, error) {
	var resp model.Response
	for {
		part, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, agent.Internalf("model stream failed: %v", err)
		}
		if e.cancelled(ctx, false) {
			return nil, errCancelled
		}
		switch part.Type {
		case model.PartTextDelta:
			resp.Text += part.TextDelta
			e.emit(ctx, stream.Event{Type: stream.EventTextDelta, TextDelta: part.TextDelta})
		case model.PartReasoningStart:
			e.emit(ctx, stream.Event{Type: stream.EventReasoningStart})
		case model.PartReasoningDelta:
			resp.Reasoning += part.ReasoningDelta
			e.emit(ctx, stream.Event{Type: stream.EventReasoningDelta, ReasoningDelta: part.ReasoningDelta})
		case model.PartReasoningEnd:
			e.emit(ctx, stream.Event{Type: stream.EventReasoningEnd})
		case model.PartToolInputStart:
			e.emit(ctx, stream.Event{Type: stream.EventToolInputStart, ToolCallID: part.ToolCallID, ToolName: part.ToolName})
		case model.PartToolInputDelta:
			e.emit(ctx, stream.Event{Type: stream.EventToolInputDelta, ToolCallID: part.ToolCallID, ToolInputDelta: part.InputDelta})
		case model.PartToolCall:
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{ID: part.ToolCallID, Name: part.ToolName, Input: part.Input})
			e.emit(ctx, stream.Event{Type: stream.EventToolCall, ToolCallID: part.ToolCallID, ToolName: part.ToolName, ToolInput: part.Input})
		case model.PartFinishStep, model.PartFinish:
			if part.FinishReason != "" {
				resp.FinishReason = part.FinishReason
			}
			resp.Usage.Add(part.Usage)
		}
	}
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = model.FinishToolCalls
		} else {
			resp.FinishReason = model.FinishStop
		}
	}
	return &resp, nil
}

// finishText handles a step that produced no tool calls: validate the output
// schema when one is declared, otherwise the run completes. Returns false
// when a corrective retry was scheduled.
func (e *execution) finishText(ctx context.Context, resp *model.Response) (bool, *run.Result) {
	if e.man.Output != nil {
		output, verr := e.validateOutput(resp.Text)
		if verr != nil {
			if e.retries >= e.rt.opts.OutputValidationMaxRetries {
				return true, e.finishFailed(ctx, agent.ValidationErrorf("output validation exhausted after %d retries: %v", e.retries, verr))
			}
			e.retries++
			e.st.AppendMessage(model.NewUserText(
				"Your response did not match the required output schema: " + verr.Error() +
					". Respond again with JSON that satisfies the schema."))
			return false, nil
		}
		return true, e.finishComplete(ctx, resp.Text, output)
	}
	return true, e.finishComplete(ctx, resp.Text, nil)
}

func (e *execution) finishComplete(ctx context.Context, text string, output []byte) *run.Result {
	e.stopClock()
	e.st.Status = state.StatusCompleted
	e.st.Suspensions = nil
	e.st.SuspensionStacks = nil
	e.st.PendingToolResults = nil
	e.st.StartedAt = nil
	if err := e.persist(ctx); err != nil {
		return e.failPersist(ctx, err)
	}
	e.clearSignal(ctx)
	res := run.Complete(e.st.ID, text, e.usage)
	res.Output = output
	e.emit(ctx, stream.Event{Type: stream.EventAgentDone, Usage: &e.usage})
	return res
}

func (e *execution) finishFailed(ctx context.Context, err error) *run.Result {
	e.stopClock()
	e.st.Status = state.StatusFailed
	e.st.StartedAt = nil
	if perr := e.persist(ctx); perr != nil {
		e.rt.logger.Error(ctx, "failed state not persisted", "run", e.st.ID, "err", perr)
	}
	ae := agent.AsError(err)
	e.emit(ctx, stream.Event{Type: stream.EventAgentError, Err: ae})
	res := run.Failed(e.st.ID, ae)
	res.Usage = e.usage
	return res
}

func (e *execution) finishCancelled(ctx context.Context) *run.Result {
	e.emit(ctx, stream.Event{Type: stream.EventAgentCancelling, Reason: e.reason})
	e.stopClock()
	e.st.Status = state.StatusCancelled
	e.st.StartedAt = nil
	if err := e.persist(ctx); err != nil {
		e.rt.logger.Error(ctx, "cancelled state not persisted", "run", e.st.ID, "err", err)
	}
	e.clearSignal(ctx)
	e.emit(ctx, stream.Event{Type: stream.EventAgentCancelled, Reason: e.reason})
	res := run.Cancelled(e.st.ID)
	res.Usage = e.usage
	return res
}

// finishSuspended persists the partially-completed batch: direct approvals,
// re-rooted child stacks and the carried sibling results.
func (e *execution) finishSuspended(ctx context.Context, out dispatch.Outcome) *run.Result {
	e.mergeSuspensions(out)
	return e.staySuspended(ctx)
}

// mergeSuspensions folds a dispatch outcome into the state: direct approvals
// as-is, child stacks re-rooted under the invoking call, completed sibling
// results carried for later ordering.
func (e *execution) mergeSuspensions(out dispatch.Outcome) {
	e.st.Suspensions = append(e.st.Suspensions, out.Suspensions...)
	for _, child := range out.Children {
		prefix := []state.StackEntry{{
			ManifestID:        e.man.ID,
			ManifestVersion:   e.man.Version,
			StateID:           e.st.ID,
			PendingToolCallID: child.Call.ID,
		}}
		for _, stack := range child.Stacks {
			e.st.SuspensionStacks = append(e.st.SuspensionStacks, stack.Reroot(prefix))
		}
	}
	e.st.PendingToolResults = append(e.st.PendingToolResults, out.Parts...)
}

// staySuspended persists the suspended state and reports every pending
// approval.
func (e *execution) staySuspended(ctx context.Context) *run.Result {
	e.stopClock()
	e.st.Status = state.StatusSuspended
	e.st.StartedAt = nil
	if err := e.persist(ctx); err != nil {
		return e.failPersist(ctx, err)
	}
	res := run.Suspended(e.st.ID, e.st.Suspensions, e.st.SuspensionStacks, e.usage)
	e.emit(ctx, stream.Event{Type: stream.EventAgentSuspended, ApprovalIDs: approvalIDs(e.st)})
	return res
}

// failPersist reports a terminal persistence failure.
func (e *execution) failPersist(ctx context.Context, err error) *run.Result {
	e.rt.logger.Error(ctx, "state not persisted", "run", e.st.ID, "err", err)
	ae := agent.AsError(err)
	e.emit(ctx, stream.Event{Type: stream.EventAgentError, Err: ae})
	res := run.Failed(e.st.ID, ae)
	res.Usage = e.usage
	return res
}

func (e *execution) clearSignal(ctx context.Context) {
	if err := e.rt.cancels.Clear(ctx, e.st.ID); err != nil {
		e.rt.logger.Warn(ctx, "cancellation signal not cleared", "run", e.st.ID, "err", err)
	}
}

// recordStep appends the append-only step record.
func (e *execution) recordStep(resp *model.Response) {
	e.st.Steps = append(e.st.Steps, state.StepResult{
		StepNumber: e.st.CurrentStepNumber,
		Request: state.StepRequest{
			Model:        e.man.Provider.Model,
			MessageCount: len(e.st.Messages),
			ToolCount:    len(e.man.Tools) + len(e.man.SubAgents),
			MaxTokens:    e.man.Provider.MaxTokens,
			Temperature:  e.man.Provider.Temperature,
		},
		Text:         resp.Text,
		ToolCalls:    resp.ToolCalls,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
	})
}

// appendAssistant turns the model response into the assistant transcript
// message.
func (e *execution) appendAssistant(resp *model.Response) {
	msg := &model.Message{Role: model.RoleAssistant}
	if resp.Reasoning != "" {
		msg.Parts = append(msg.Parts, model.ReasoningPart{Text: resp.Reasoning})
	}
	if resp.Text != "" {
		msg.Parts = append(msg.Parts, model.TextPart{Text: resp.Text})
	}
	for _, call := range resp.ToolCalls {
		msg.Parts = append(msg.Parts, model.ToolUsePart{ID: call.ID, Name: call.Name, Input: call.Input})
	}
	if len(msg.Parts) == 0 {
		msg.Parts = append(msg.Parts, model.TextPart{})
	}
	e.st.AppendMessage(msg)
}

// execContext builds the per-batch tool execution scope.
func (e *execution) execContext() *tools.ExecContext {
	ec := &tools.ExecContext{
		RunID:      e.st.ID,
		StepNumber: e.st.CurrentStepNumber,
		Messages:   model.CloneMessages(e.st.Messages),
		Grants:     e.grants,
		Cancelled: func(ctx context.Context) (bool, error) {
			if ctx.Err() != nil {
				return true, nil
			}
			sig, err := e.rt.cancels.Check(ctx, e.st.ID)
			if err != nil {
				return false, err
			}
			return sig != nil, nil
		},
	}
	if e.pipe != nil {
		ec.Events = func(ev stream.Event) {
			// Sub-agent executions tag their own identity before the event
			// reaches this sink.
			if ev.ManifestID == "" {
				ev.ManifestID = e.man.ID
				ev.ParentManifestID = e.parentID
			}
			if ev.RunID == "" {
				ev.RunID = e.st.ID
			}
			if err := e.pipe.Emit(context.Background(), ev); err != nil && !errors.Is(err, stream.ErrClosed) {
				e.rt.logger.Warn(context.Background(), "tool event not emitted", "run", e.st.ID, "err", err)
			}
		}
	}
	return ec
}

// toolParts widens result parts into message parts.
func toolParts(parts []model.ToolResultPart) []model.Part {
	out := make([]model.Part, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

// approvalIDs lists every pending approval id of the state.
func approvalIDs(st *state.AgentState) []agent.ApprovalID {
	ids := make([]agent.ApprovalID, 0, len(st.Suspensions)+len(st.SuspensionStacks))
	for _, s := range st.Suspensions {
		ids = append(ids, s.ApprovalID)
	}
	for _, stack := range st.SuspensionStacks {
		ids = append(ids, stack.LeafSuspension.ApprovalID)
	}
	return ids
}
