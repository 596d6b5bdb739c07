// Package state defines the persisted representation of a durable agent run
// and the cache-backed store that keeps it. AgentState is the single source
// of truth for resume routing: suspensions list the approvals owned by the
// run itself, suspension stacks describe approvals pending in descendant
// sub-agents, and pending tool results carry completed siblings of a
// partially-suspended parallel batch.
package state

import (
	"encoding/json"
	"time"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
)

// SchemaVersion is the persisted state format version.
const SchemaVersion = 1

// DefaultTTL is the minimum cache lifetime of persisted states.
const DefaultTTL = 24 * time.Hour

type (
	// Status is the lifecycle state of a run.
	Status string

	// ToolApprovalSuspension is one pending human approval for a sensitive
	// tool call. ApprovalID is unique within a run.
	ToolApprovalSuspension struct {
		ApprovalID agent.ApprovalID `json:"approvalId"`
		// ToolCallID ties the approval back to the exact pending tool call so
		// the decision can be re-executed and the batch reassembled in
		// tool-call order.
		ToolCallID  agent.ToolCallID `json:"toolCallId"`
		ToolName    string           `json:"toolName"`
		ToolArgs    json.RawMessage  `json:"toolArgs,omitempty"`
		Description string           `json:"description,omitempty"`
	}

	// StackEntry is one level of a suspension stack: the agent at that level
	// and, for non-leaf entries, the tool call that invoked the next child.
	StackEntry struct {
		ManifestID      agent.ID    `json:"manifestId"`
		ManifestVersion string      `json:"manifestVersion"`
		StateID         agent.RunID `json:"stateId"`
		// PendingToolCallID is the call that spawned the next entry's run.
		// Empty on the leaf entry.
		PendingToolCallID agent.ToolCallID `json:"pendingToolCallId,omitempty"`
	}

	// SuspensionStack is the ordered path from the root run down to the
	// descendant agent holding an approval. Length >= 1; depth 1 means the
	// root itself holds the approval. Agents[0].ManifestID always equals the
	// run's RootManifestID so callers resume against a single stable id.
	SuspensionStack struct {
		Agents         []StackEntry           `json:"agents"`
		LeafSuspension ToolApprovalSuspension `json:"leafSuspension"`
	}

	// StepRequest summarizes the model request of one step.
	StepRequest struct {
		Model        string  `json:"model,omitempty"`
		MessageCount int     `json:"messageCount"`
		ToolCount    int     `json:"toolCount"`
		MaxTokens    int     `json:"maxTokens,omitempty"`
		Temperature  float32 `json:"temperature,omitempty"`
	}

	// StepResult is the append-only record of one LLM step.
	StepResult struct {
		StepNumber   int                `json:"stepNumber"`
		Request      StepRequest        `json:"request"`
		Text         string             `json:"text,omitempty"`
		ToolCalls    []model.ToolCall   `json:"toolCalls,omitempty"`
		FinishReason model.FinishReason `json:"finishReason,omitempty"`
		Usage        model.TokenUsage   `json:"usage"`
	}

	// AgentState is the persisted durable record of one run.
	AgentState struct {
		ID              agent.RunID `json:"id"`
		RootManifestID  agent.ID    `json:"rootManifestId"`
		ManifestID      agent.ID    `json:"manifestId"`
		ManifestVersion string      `json:"manifestVersion"`

		ParentStateID agent.RunID   `json:"parentStateId,omitempty"`
		ChildStateIDs []agent.RunID `json:"childStateIds,omitempty"`

		Messages          []*model.Message `json:"messages"`
		Steps             []StepResult     `json:"steps,omitempty"`
		CurrentStepNumber int              `json:"currentStepNumber"`

		Suspensions        []ToolApprovalSuspension `json:"suspensions,omitempty"`
		SuspensionStacks   []SuspensionStack        `json:"suspensionStacks,omitempty"`
		PendingToolResults []model.ToolResultPart   `json:"pendingToolResults,omitempty"`

		Status    Status     `json:"status"`
		StartedAt *time.Time `json:"startedAt,omitempty"`
		CreatedAt time.Time  `json:"createdAt"`
		UpdatedAt time.Time  `json:"updatedAt"`

		// ElapsedExecutionMS accumulates active execution time across resume
		// cycles. Time spent suspended does not count against the timeout.
		ElapsedExecutionMS int64 `json:"elapsedExecutionMs"`

		SchemaVersion int `json:"schemaVersion"`
	}
)

// Run lifecycle states.
const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// New builds a fresh running state for a run.
func New(id agent.RunID, rootManifestID, manifestID agent.ID, version string) *AgentState {
	now := time.Now().UTC()
	started := now
	return &AgentState{
		ID:              id,
		RootManifestID:  rootManifestID,
		ManifestID:      manifestID,
		ManifestVersion: version,
		Status:          StatusRunning,
		StartedAt:       &started,
		CreatedAt:       now,
		UpdatedAt:       now,
		SchemaVersion:   SchemaVersion,
	}
}

// HasPendingApprovals reports whether any direct or descendant approval is
// outstanding.
func (s *AgentState) HasPendingApprovals() bool {
	return len(s.Suspensions) > 0 || len(s.SuspensionStacks) > 0
}

// FindSuspension returns the index of the direct suspension with the given
// approval id, or -1.
func (s *AgentState) FindSuspension(id agent.ApprovalID) int {
	for i, susp := range s.Suspensions {
		if susp.ApprovalID == id {
			return i
		}
	}
	return -1
}

// FindStack returns the index of the suspension stack whose leaf carries the
// given approval id, or -1.
func (s *AgentState) FindStack(id agent.ApprovalID) int {
	for i, stack := range s.SuspensionStacks {
		if stack.LeafSuspension.ApprovalID == id {
			return i
		}
	}
	return -1
}

// RemoveSuspension deletes the direct suspension at index i.
func (s *AgentState) RemoveSuspension(i int) {
	s.Suspensions = append(s.Suspensions[:i], s.Suspensions[i+1:]...)
}

// RemoveStack deletes the suspension stack at index i.
func (s *AgentState) RemoveStack(i int) {
	s.SuspensionStacks = append(s.SuspensionStacks[:i], s.SuspensionStacks[i+1:]...)
}

// RemoveStacksThrough deletes every suspension stack whose next hop is the
// given child state. A child holding several approvals owns one stack per
// approval; when the child is re-queried all of its stacks are rebuilt
// together, so they must all go at once.
func (s *AgentState) RemoveStacksThrough(id agent.RunID) {
	kept := s.SuspensionStacks[:0]
	for _, stack := range s.SuspensionStacks {
		if len(stack.Agents) >= 2 && stack.Agents[1].StateID == id {
			continue
		}
		kept = append(kept, stack)
	}
	s.SuspensionStacks = kept
}

// AddChild records a nested run id, once.
func (s *AgentState) AddChild(id agent.RunID) {
	for _, existing := range s.ChildStateIDs {
		if existing == id {
			return
		}
	}
	s.ChildStateIDs = append(s.ChildStateIDs, id)
}

// AppendMessage clones msg and appends it to the transcript.
func (s *AgentState) AppendMessage(msg *model.Message) {
	s.Messages = append(s.Messages, msg.Clone())
}

// Leaf returns the last entry of the stack.
func (st SuspensionStack) Leaf() StackEntry {
	return st.Agents[len(st.Agents)-1]
}

// Root returns the first entry of the stack.
func (st SuspensionStack) Root() StackEntry {
	return st.Agents[0]
}

// Reroot returns a copy of the stack with the given path prepended so the
// stack remains rooted at the user-facing run.
func (st SuspensionStack) Reroot(prefix []StackEntry) SuspensionStack {
	agents := make([]StackEntry, 0, len(prefix)+len(st.Agents))
	agents = append(agents, prefix...)
	agents = append(agents, st.Agents...)
	return SuspensionStack{Agents: agents, LeafSuspension: st.LeafSuspension}
}
