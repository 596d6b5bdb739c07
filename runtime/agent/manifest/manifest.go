// Package manifest defines the immutable declarative description of an agent
// and the validator for the sub-agent graph a run is configured with.
package manifest

import (
	"encoding/json"
	"time"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/stream"
	"goa.design/agentrun/runtime/agent/tools"
)

// DefaultTimeout is the default active-execution budget of a run.
const DefaultTimeout = 5 * time.Minute

type (
	// ProviderConfig selects the LLM serving an agent. Client names a
	// model.Client registered with the runtime.
	ProviderConfig struct {
		Client      string  `json:"client"`
		Model       string  `json:"model"`
		MaxTokens   int     `json:"maxTokens,omitempty"`
		Temperature float32 `json:"temperature,omitempty"`
	}

	// SubAgentRef declares a delegation edge. The runtime synthesizes a
	// tool named Name; calling it starts a nested run of the referenced
	// manifest.
	SubAgentRef struct {
		ManifestID      agent.ID `json:"manifestId"`
		ManifestVersion string   `json:"manifestVersion"`
		Name            string   `json:"name"`
		Description     string   `json:"description,omitempty"`
	}

	// OutputSchema constrains the agent's final answer to a JSON schema.
	OutputSchema struct {
		Name        string          `json:"name,omitempty"`
		Description string          `json:"description,omitempty"`
		Schema      json.RawMessage `json:"schema"`
	}

	// Manifest is the immutable configuration of one agent. A manifest map
	// presented to the runtime never changes for the lifetime of a run.
	Manifest struct {
		ID           agent.ID `json:"id"`
		Version      string   `json:"version"`
		Name         string   `json:"name,omitempty"`
		Description  string   `json:"description,omitempty"`
		Instructions string   `json:"instructions,omitempty"`

		Provider ProviderConfig `json:"provider"`

		Tools     []*tools.Tool `json:"-"`
		SubAgents []SubAgentRef `json:"subAgents,omitempty"`

		// StreamingEvents is the set of filterable event kinds this agent
		// emits. Empty means lifecycle events only.
		StreamingEvents []stream.EventType `json:"streamingEvents,omitempty"`

		// Timeout bounds active execution. Zero means DefaultTimeout.
		Timeout time.Duration `json:"timeout,omitempty"`

		// Output, when set, is validated against the final answer with
		// corrective retries.
		Output *OutputSchema `json:"output,omitempty"`
	}

	// Map indexes one manifest per agent id. Built and validated by
	// BuildMap before any run work starts.
	Map map[agent.ID]*Manifest
)

// Key returns the id@version pair identifying the manifest.
func (m *Manifest) Key() string {
	return m.ID.String() + "@" + m.Version
}

// EffectiveTimeout returns the configured timeout or the default.
func (m *Manifest) EffectiveTimeout() time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return DefaultTimeout
}

// Tool returns the named tool, or nil.
func (m *Manifest) Tool(name string) *tools.Tool {
	for _, t := range m.Tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// SubAgent returns the sub-agent reference with the given synthesized tool
// name, or nil.
func (m *Manifest) SubAgent(name string) *SubAgentRef {
	for i := range m.SubAgents {
		if m.SubAgents[i].Name == name {
			return &m.SubAgents[i]
		}
	}
	return nil
}

// Get resolves a manifest id, or fails with NotFound.
func (mm Map) Get(id agent.ID) (*Manifest, error) {
	m, ok := mm[id]
	if !ok {
		return nil, agent.NotFoundf("manifest %s not found", id)
	}
	return m, nil
}
