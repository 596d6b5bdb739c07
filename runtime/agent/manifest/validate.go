package manifest

import (
	"goa.design/agentrun/runtime/agent"
)

// BuildMap validates the manifest list against the graph rules and indexes
// it by id. Rules run in order and the first failure aborts: the root must
// be present, no duplicate (id, version) pairs, one version per id, every
// sub-agent reference must resolve, and the delegation graph must be
// acyclic. All failures are BadRequest errors with metadata naming the
// offending manifest.
func BuildMap(manifests []*Manifest, rootID agent.ID) (Map, error) {
	mm := make(Map, len(manifests))
	seen := make(map[string]bool, len(manifests))
	for _, m := range manifests {
		if m.ID == "" || m.Version == "" {
			return nil, agent.BadRequestf("manifest with empty id or version").WithMeta("manifestId", m.ID.String())
		}
		if seen[m.Key()] {
			return nil, agent.BadRequestf("duplicate manifest %s", m.Key()).WithMeta("manifestId", m.ID.String()).WithMeta("version", m.Version)
		}
		seen[m.Key()] = true
		if prev, ok := mm[m.ID]; ok {
			return nil, agent.BadRequestf("manifest %s has conflicting versions %s and %s", m.ID, prev.Version, m.Version).
				WithMeta("manifestId", m.ID.String())
		}
		mm[m.ID] = m
	}

	if _, ok := mm[rootID]; !ok {
		return nil, agent.BadRequestf("root manifest %s not in manifest map", rootID).WithMeta("manifestId", rootID.String())
	}

	for _, m := range mm {
		for _, ref := range m.SubAgents {
			child, ok := mm[ref.ManifestID]
			if !ok {
				return nil, agent.BadRequestf("manifest %s references unknown sub-agent %s@%s", m.Key(), ref.ManifestID, ref.ManifestVersion).
					WithMeta("manifestId", m.ID.String()).WithMeta("subAgentId", ref.ManifestID.String())
			}
			if ref.ManifestVersion != "" && child.Version != ref.ManifestVersion {
				return nil, agent.BadRequestf("manifest %s references sub-agent %s@%s but map holds version %s", m.Key(), ref.ManifestID, ref.ManifestVersion, child.Version).
					WithMeta("manifestId", m.ID.String()).WithMeta("subAgentId", ref.ManifestID.String())
			}
			if m.Tool(ref.Name) != nil {
				return nil, agent.BadRequestf("manifest %s: sub-agent name %q collides with a tool name", m.Key(), ref.Name).
					WithMeta("manifestId", m.ID.String())
			}
		}
	}

	if err := checkAcyclic(mm, rootID); err != nil {
		return nil, err
	}
	return mm, nil
}

// checkAcyclic runs a DFS over the delegation edges with an on-stack set and
// reports the first manifest found on a cycle.
func checkAcyclic(mm Map, rootID agent.ID) error {
	visited := make(map[agent.ID]bool, len(mm))
	onStack := make(map[agent.ID]bool, len(mm))

	var visit func(id agent.ID) error
	visit = func(id agent.ID) error {
		if onStack[id] {
			return agent.BadRequestf("manifest graph has a cycle through %s", mm[id].Key()).WithMeta("manifestId", id.String())
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		onStack[id] = true
		for _, ref := range mm[id].SubAgents {
			if err := visit(ref.ManifestID); err != nil {
				return err
			}
		}
		onStack[id] = false
		return nil
	}

	// Start at the root, then sweep any disconnected manifests so cycles
	// outside the reachable set are still rejected.
	if err := visit(rootID); err != nil {
		return err
	}
	for id := range mm {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
