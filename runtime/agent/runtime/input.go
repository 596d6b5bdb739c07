package runtime

import (
	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/manifest"
	"goa.design/agentrun/runtime/agent/model"
)

type (
	// InputType discriminates the input union.
	InputType string

	// Request starts a fresh run with a new run id.
	Request struct {
		Prompt string
		// Context carries caller metadata stored on the first message.
		Context map[string]any
	}

	// Reply appends a user message to a completed run and continues it as
	// a new logical turn under the same run id.
	Reply struct {
		RunID   agent.RunID
		Text    string
		Message *model.Message
	}

	// ApprovalResponse answers one pending approval.
	ApprovalResponse struct {
		ApprovalID agent.ApprovalID
		Approved   bool
		Reason     string
	}

	// Approval resumes a suspended run with a decision.
	Approval struct {
		RunID    agent.RunID
		Response ApprovalResponse
	}

	// Continue re-drives a run still marked running (crash recovery) or
	// replays a suspended run's pending approvals.
	Continue struct {
		RunID agent.RunID
	}

	// Input is the tagged union of the four entry-point variants.
	Input struct {
		Type     InputType
		Request  *Request
		Reply    *Reply
		Approval *Approval
		Continue *Continue
	}

	// RunConfig is the per-run configuration: the immutable manifest list
	// and the root agent to drive.
	RunConfig struct {
		Manifests []*manifest.Manifest
		Root      agent.ID
	}
)

// Input variants.
const (
	InputRequest  InputType = "request"
	InputReply    InputType = "reply"
	InputApproval InputType = "approval"
	InputContinue InputType = "continue"
)

// NewRequest builds a fresh-start input.
func NewRequest(prompt string) Input {
	return Input{Type: InputRequest, Request: &Request{Prompt: prompt}}
}

// NewReply builds a reply input from plain text.
func NewReply(id agent.RunID, text string) Input {
	return Input{Type: InputReply, Reply: &Reply{RunID: id, Text: text}}
}

// NewApproval builds an approval input.
func NewApproval(id agent.RunID, approvalID agent.ApprovalID, approved bool, reason string) Input {
	return Input{Type: InputApproval, Approval: &Approval{
		RunID:    id,
		Response: ApprovalResponse{ApprovalID: approvalID, Approved: approved, Reason: reason},
	}}
}

// NewContinue builds a continue input.
func NewContinue(id agent.RunID) Input {
	return Input{Type: InputContinue, Continue: &Continue{RunID: id}}
}

// validate checks the union is well formed and returns the run id it
// addresses ("" for fresh requests).
func (in Input) validate() (agent.RunID, error) {
	switch in.Type {
	case InputRequest:
		if in.Request == nil {
			return "", agent.BadRequestf("request input missing payload")
		}
		if in.Request.Prompt == "" {
			return "", agent.BadRequestf("request input requires a prompt")
		}
		return "", nil
	case InputReply:
		if in.Reply == nil || in.Reply.RunID == "" {
			return "", agent.BadRequestf("reply input requires a run id")
		}
		if in.Reply.Text == "" && in.Reply.Message == nil {
			return "", agent.BadRequestf("reply input requires a message")
		}
		return in.Reply.RunID, nil
	case InputApproval:
		if in.Approval == nil || in.Approval.RunID == "" {
			return "", agent.BadRequestf("approval input requires a run id")
		}
		if in.Approval.Response.ApprovalID == "" {
			return "", agent.BadRequestf("approval input requires an approval id")
		}
		return in.Approval.RunID, nil
	case InputContinue:
		if in.Continue == nil || in.Continue.RunID == "" {
			return "", agent.BadRequestf("continue input requires a run id")
		}
		return in.Continue.RunID, nil
	default:
		return "", agent.BadRequestf("unknown input type %q", in.Type)
	}
}

// message builds the user message a reply appends.
func (r *Reply) message() *model.Message {
	if r.Message != nil {
		return r.Message.Clone()
	}
	return model.NewUserText(r.Text)
}
