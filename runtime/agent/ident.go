// Package agent provides strong type identifiers and the shared error model
// for the agent runtime. Identifiers are opaque strings tagged by kind so they
// cannot be mixed accidentally in maps or APIs; they are never reused and
// never mutated after creation.
package agent

import "github.com/google/uuid"

type (
	// ID is the strong type for user-assigned agent (manifest) identifiers.
	ID string

	// RunID identifies one durable top-level or nested agent run. Fresh runs
	// receive a new UUIDv4; resume cycles for nested runs may mint new RunIDs
	// while the user-facing root RunID stays stable.
	RunID string

	// ToolCallID correlates a tool invocation across stream events, messages
	// and persisted state.
	ToolCallID string

	// ApprovalID identifies one pending human approval for a sensitive tool
	// call. Unique within a run.
	ApprovalID string
)

// NewRunID returns a fresh run identifier.
func NewRunID() RunID { return RunID(uuid.NewString()) }

// NewToolCallID returns a fresh tool call identifier.
func NewToolCallID() ToolCallID { return ToolCallID(uuid.NewString()) }

// NewApprovalID returns a fresh approval identifier.
func NewApprovalID() ApprovalID { return ApprovalID(uuid.NewString()) }

func (id ID) String() string         { return string(id) }
func (id RunID) String() string      { return string(id) }
func (id ToolCallID) String() string { return string(id) }
func (id ApprovalID) String() string { return string(id) }
