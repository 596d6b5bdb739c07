package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/tools"
)

func mf(id agent.ID, version string, subs ...SubAgentRef) *Manifest {
	return &Manifest{ID: id, Version: version, SubAgents: subs}
}

func TestBuildMapValidGraph(t *testing.T) {
	mm, err := BuildMap([]*Manifest{
		mf("root", "1.0.0", SubAgentRef{ManifestID: "mid", ManifestVersion: "1.0.0", Name: "sub_mid"}),
		mf("mid", "1.0.0", SubAgentRef{ManifestID: "leaf", ManifestVersion: "2.1.0", Name: "sub_leaf"}),
		mf("leaf", "2.1.0"),
	}, "root")
	require.NoError(t, err)
	require.Len(t, mm, 3)

	m, err := mm.Get("mid")
	require.NoError(t, err)
	assert.Equal(t, "mid@1.0.0", m.Key())
	require.NotNil(t, m.SubAgent("sub_leaf"))
	assert.Nil(t, m.SubAgent("nope"))

	_, err = mm.Get("ghost")
	assert.Equal(t, agent.CodeNotFound, agent.CodeOf(err))
}

func TestBuildMapMissingRoot(t *testing.T) {
	_, err := BuildMap([]*Manifest{mf("a", "1.0.0")}, "root")
	require.Error(t, err)
	assert.Equal(t, agent.CodeBadRequest, agent.CodeOf(err))
	assert.Contains(t, err.Error(), "root")
}

func TestBuildMapDuplicatePair(t *testing.T) {
	_, err := BuildMap([]*Manifest{mf("root", "1.0.0"), mf("root", "1.0.0")}, "root")
	require.Error(t, err)
	assert.Equal(t, agent.CodeBadRequest, agent.CodeOf(err))
	assert.Contains(t, err.Error(), "duplicate")
}

func TestBuildMapConflictingVersions(t *testing.T) {
	_, err := BuildMap([]*Manifest{mf("root", "1.0.0"), mf("root", "2.0.0")}, "root")
	require.Error(t, err)
	assert.Equal(t, agent.CodeBadRequest, agent.CodeOf(err))
	assert.Contains(t, err.Error(), "conflicting versions")
}

func TestBuildMapDanglingReference(t *testing.T) {
	_, err := BuildMap([]*Manifest{
		mf("root", "1.0.0", SubAgentRef{ManifestID: "ghost", ManifestVersion: "1.0.0", Name: "sub_ghost"}),
	}, "root")
	require.Error(t, err)
	assert.Equal(t, agent.CodeBadRequest, agent.CodeOf(err))
	assert.Contains(t, err.Error(), "unknown sub-agent")
	assert.Equal(t, "ghost", agent.AsError(err).Metadata["subAgentId"])
}

func TestBuildMapVersionMismatch(t *testing.T) {
	_, err := BuildMap([]*Manifest{
		mf("root", "1.0.0", SubAgentRef{ManifestID: "child", ManifestVersion: "9.9.9", Name: "sub_child"}),
		mf("child", "1.0.0"),
	}, "root")
	require.Error(t, err)
	assert.Equal(t, agent.CodeBadRequest, agent.CodeOf(err))
}

func TestBuildMapDetectsCycle(t *testing.T) {
	_, err := BuildMap([]*Manifest{
		mf("root", "1.0.0", SubAgentRef{ManifestID: "a", ManifestVersion: "1.0.0", Name: "sub_a"}),
		mf("a", "1.0.0", SubAgentRef{ManifestID: "b", ManifestVersion: "1.0.0", Name: "sub_b"}),
		mf("b", "1.0.0", SubAgentRef{ManifestID: "a", ManifestVersion: "1.0.0", Name: "sub_a"}),
	}, "root")
	require.Error(t, err)
	assert.Equal(t, agent.CodeBadRequest, agent.CodeOf(err))
	assert.Contains(t, err.Error(), "cycle")
	assert.NotEmpty(t, agent.AsError(err).Metadata["manifestId"])
}

func TestBuildMapSelfCycle(t *testing.T) {
	_, err := BuildMap([]*Manifest{
		mf("root", "1.0.0", SubAgentRef{ManifestID: "root", ManifestVersion: "1.0.0", Name: "sub_self"}),
	}, "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildMapToolNameCollision(t *testing.T) {
	root := mf("root", "1.0.0", SubAgentRef{ManifestID: "child", ManifestVersion: "1.0.0", Name: "echo"})
	root.Tools = []*tools.Tool{{Definition: model.ToolDefinition{Name: "echo"}, Shape: tools.ShapePlain}}
	_, err := BuildMap([]*Manifest{root, mf("child", "1.0.0")}, "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}

func TestEffectiveTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, (&Manifest{}).EffectiveTimeout())
	assert.Equal(t, time.Minute, (&Manifest{Timeout: time.Minute}).EffectiveTimeout())
}
