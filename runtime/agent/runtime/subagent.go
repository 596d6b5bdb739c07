package runtime

import (
	"context"
	"encoding/json"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/manifest"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/run"
	"goa.design/agentrun/runtime/agent/state"
	"goa.design/agentrun/runtime/agent/stream"
	"goa.design/agentrun/runtime/agent/tools"
)

// subAgentSchema is the input schema of synthesized delegation tools.
var subAgentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"prompt": {
			"type": "string",
			"description": "Task for the sub-agent"
		}
	},
	"required": ["prompt"]
}`)

// subAgentInput is the argument shape of a delegation call.
type subAgentInput struct {
	Prompt string `json:"prompt"`
}

// toolsMap indexes the manifest's tools plus one synthesized tool per
// sub-agent reference.
func (e *execution) toolsMap() map[string]*tools.Tool {
	m := make(map[string]*tools.Tool, len(e.man.Tools)+len(e.man.SubAgents))
	for _, t := range e.man.Tools {
		m[t.Name()] = t
	}
	for i := range e.man.SubAgents {
		ref := e.man.SubAgents[i]
		m[ref.Name] = e.subAgentTool(ref)
	}
	return m
}

// toolDefs lists the tool schemas advertised to the model.
func (e *execution) toolDefs() []*model.ToolDefinition {
	defs := make([]*model.ToolDefinition, 0, len(e.man.Tools)+len(e.man.SubAgents))
	for _, t := range e.man.Tools {
		def := t.Definition
		defs = append(defs, &def)
	}
	for _, ref := range e.man.SubAgents {
		defs = append(defs, &model.ToolDefinition{
			Name:        ref.Name,
			Description: ref.Description,
			InputSchema: subAgentSchema,
		})
	}
	return defs
}

// subAgentTool synthesizes the delegation tool for a sub-agent reference.
// Streaming runs use the streaming-context shape so child events flow
// through the pipeline; non-streaming runs use the context shape.
func (e *execution) subAgentTool(ref manifest.SubAgentRef) *tools.Tool {
	def := model.ToolDefinition{Name: ref.Name, Description: ref.Description, InputSchema: subAgentSchema}
	exec := func(ctx context.Context, call model.ToolCall, ec *tools.ExecContext) tools.Result {
		return e.runSubAgent(ctx, ref, call)
	}
	if e.pipe != nil {
		return &tools.Tool{Definition: def, Shape: tools.ShapeStreaming, Streaming: exec}
	}
	return &tools.Tool{Definition: def, Shape: tools.ShapeContext, Context: exec}
}

// runSubAgent starts a nested run for the referenced manifest and adapts its
// terminal result into a tool result for the invoking call.
func (e *execution) runSubAgent(ctx context.Context, ref manifest.SubAgentRef, call model.ToolCall) tools.Result {
	childMan, err := e.mm.Get(ref.ManifestID)
	if err != nil {
		return tools.Errorf(tools.CodeExecution, false, err.Error())
	}

	var input subAgentInput
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &input); err != nil {
			// Some models pass the prompt as a bare string.
			var prompt string
			if serr := json.Unmarshal(call.Input, &prompt); serr != nil {
				return tools.Errorf(tools.CodeExecution, false, "invalid sub-agent input: "+err.Error())
			}
			input.Prompt = prompt
		}
	}
	if input.Prompt == "" {
		return tools.Errorf(tools.CodeExecution, false, "sub-agent call requires a prompt")
	}

	childID := agent.NewRunID()
	st := state.New(childID, childMan.ID, childMan.ID, childMan.Version)
	st.ParentStateID = e.st.ID
	st.Messages = append(st.Messages, model.NewUserText(input.Prompt))
	e.st.AddChild(childID)

	e.emit(ctx, stream.Event{Type: stream.EventSubAgentStart, SubAgentID: childMan.ID, ToolCallID: call.ID})
	child := e.rt.newExecution(e.mm, childMan, st, e.pipe, e.man.ID)
	res := child.loop(ctx)
	e.emit(ctx, stream.Event{Type: stream.EventSubAgentEnd, SubAgentID: childMan.ID, ToolCallID: call.ID})

	switch res.Status {
	case run.StatusComplete:
		if len(res.Output) > 0 {
			return tools.Success(res.Output)
		}
		content, err := json.Marshal(res.Text)
		if err != nil {
			return tools.Errorf(tools.CodeExecution, false, "encode sub-agent result: "+err.Error())
		}
		return tools.Success(content)
	case run.StatusSuspended:
		return tools.SuspendedStacks(childID, childStacks(child.st, childMan))
	case run.StatusCancelled:
		return tools.Errorf(tools.CodeCancelled, false, "Operation cancelled")
	default:
		msg := "sub-agent run failed"
		if res.Err != nil {
			msg = res.Err.Message
		}
		return tools.Errorf(tools.CodeExecution, false, msg)
	}
}

// childStacks materializes a suspended child's pending approvals as stacks
// rooted at the child: direct suspensions become single-entry stacks and the
// child's own nested stacks pass through unchanged.
func childStacks(st *state.AgentState, man *manifest.Manifest) []state.SuspensionStack {
	leaf := state.StackEntry{ManifestID: man.ID, ManifestVersion: man.Version, StateID: st.ID}
	stacks := make([]state.SuspensionStack, 0, len(st.Suspensions)+len(st.SuspensionStacks))
	for _, susp := range st.Suspensions {
		stacks = append(stacks, state.SuspensionStack{Agents: []state.StackEntry{leaf}, LeafSuspension: susp})
	}
	return append(stacks, st.SuspensionStacks...)
}
