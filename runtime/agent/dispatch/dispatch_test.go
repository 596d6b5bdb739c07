package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/state"
	"goa.design/agentrun/runtime/agent/tools"
)

func plain(name string, fn func() (json.RawMessage, error)) *tools.Tool {
	return &tools.Tool{
		Definition: model.ToolDefinition{Name: name},
		Shape:      tools.ShapePlain,
		Plain: func(context.Context, json.RawMessage, tools.CallMeta) (json.RawMessage, error) {
			return fn()
		},
	}
}

func TestDispatchAllCompleted(t *testing.T) {
	d := New(tools.NewHarness(), nil)
	toolsMap := map[string]*tools.Tool{
		"a": plain("a", func() (json.RawMessage, error) { return json.RawMessage(`"ra"`), nil }),
		"b": plain("b", func() (json.RawMessage, error) { return json.RawMessage(`"rb"`), nil }),
	}
	calls := []model.ToolCall{{ID: "tc1", Name: "a"}, {ID: "tc2", Name: "b"}}

	out := d.Dispatch(context.Background(), calls, toolsMap, &tools.ExecContext{})
	assert.False(t, out.Suspended)
	require.Len(t, out.Parts, 2)
	assert.Equal(t, agent.ToolCallID("tc1"), out.Parts[0].ToolUseID)
	assert.Equal(t, agent.ToolCallID("tc2"), out.Parts[1].ToolUseID)
}

func TestDispatchPreservesCallOrderDespiteCompletionOrder(t *testing.T) {
	d := New(tools.NewHarness(), nil)
	toolsMap := map[string]*tools.Tool{
		"slow": plain("slow", func() (json.RawMessage, error) {
			time.Sleep(30 * time.Millisecond)
			return json.RawMessage(`"slow"`), nil
		}),
		"fast": plain("fast", func() (json.RawMessage, error) { return json.RawMessage(`"fast"`), nil }),
	}
	calls := []model.ToolCall{{ID: "tc1", Name: "slow"}, {ID: "tc2", Name: "fast"}}

	out := d.Dispatch(context.Background(), calls, toolsMap, &tools.ExecContext{})
	require.Len(t, out.Parts, 2)
	assert.Equal(t, agent.ToolCallID("tc1"), out.Parts[0].ToolUseID, "slow tool stays first")
	assert.JSONEq(t, `"slow"`, string(out.Parts[0].Content))
}

func TestDispatchRunsCallsConcurrently(t *testing.T) {
	var inflight, peak atomic.Int32
	mk := func(name string) *tools.Tool {
		return plain(name, func() (json.RawMessage, error) {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inflight.Add(-1)
			return nil, nil
		})
	}
	toolsMap := map[string]*tools.Tool{"a": mk("a"), "b": mk("b"), "c": mk("c")}
	calls := []model.ToolCall{{ID: "t1", Name: "a"}, {ID: "t2", Name: "b"}, {ID: "t3", Name: "c"}}

	New(tools.NewHarness(), nil).Dispatch(context.Background(), calls, toolsMap, &tools.ExecContext{})
	assert.Equal(t, int32(3), peak.Load(), "all calls fan out in parallel")
}

func TestDispatchUnknownTool(t *testing.T) {
	d := New(tools.NewHarness(), nil)
	calls := []model.ToolCall{{ID: "tc1", Name: "ghost"}}

	out := d.Dispatch(context.Background(), calls, map[string]*tools.Tool{}, &tools.ExecContext{})
	assert.False(t, out.Suspended)
	require.Len(t, out.Parts, 1)
	assert.True(t, out.Parts[0].IsError)
	assert.Contains(t, string(out.Parts[0].Content), "Unknown tool: ghost")
}

func TestDispatchPartialSuspension(t *testing.T) {
	d := New(tools.NewHarness(), nil)
	toolsMap := map[string]*tools.Tool{
		"a": plain("a", func() (json.RawMessage, error) { return json.RawMessage(`"ra"`), nil }),
		"b": {
			Definition:       model.ToolDefinition{Name: "b"},
			Shape:            tools.ShapePlain,
			RequiresApproval: true,
			Plain: func(context.Context, json.RawMessage, tools.CallMeta) (json.RawMessage, error) {
				return nil, nil
			},
		},
	}
	calls := []model.ToolCall{{ID: "tc1", Name: "a"}, {ID: "tc2", Name: "b", Input: json.RawMessage(`{}`)}}

	out := d.Dispatch(context.Background(), calls, toolsMap, &tools.ExecContext{})
	assert.True(t, out.Suspended)
	require.Len(t, out.Parts, 1, "completed sibling is carried")
	assert.Equal(t, agent.ToolCallID("tc1"), out.Parts[0].ToolUseID)
	require.Len(t, out.Suspensions, 1)
	assert.Equal(t, agent.ToolCallID("tc2"), out.Suspensions[0].ToolCallID)
}

func TestDispatchSuspendedChildCarriesStacks(t *testing.T) {
	stacks := []state.SuspensionStack{{
		Agents:         []state.StackEntry{{ManifestID: "child", ManifestVersion: "1.0.0", StateID: "child-run"}},
		LeafSuspension: state.ToolApprovalSuspension{ApprovalID: "ap1", ToolCallID: "inner", ToolName: "pay"},
	}}
	toolsMap := map[string]*tools.Tool{
		"sub_child": {
			Definition: model.ToolDefinition{Name: "sub_child"},
			Shape:      tools.ShapeContext,
			Context: func(context.Context, model.ToolCall, *tools.ExecContext) tools.Result {
				return tools.SuspendedStacks("child-run", stacks)
			},
		},
	}
	calls := []model.ToolCall{{ID: "tc1", Name: "sub_child"}}

	out := New(tools.NewHarness(), nil).Dispatch(context.Background(), calls, toolsMap, &tools.ExecContext{})
	assert.True(t, out.Suspended)
	require.Len(t, out.Children, 1)
	assert.Equal(t, agent.RunID("child-run"), out.Children[0].ChildRunID)
	assert.Equal(t, agent.ToolCallID("tc1"), out.Children[0].Call.ID)
	assert.Equal(t, stacks, out.Children[0].Stacks)
}

func TestOrderParts(t *testing.T) {
	calls := []model.ToolCall{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}}
	parts := []model.ToolResultPart{{ToolUseID: "t3"}, {ToolUseID: "t1"}, {ToolUseID: "t2"}}

	ordered := OrderParts(calls, parts)
	require.Len(t, ordered, 3)
	assert.Equal(t, agent.ToolCallID("t1"), ordered[0].ToolUseID)
	assert.Equal(t, agent.ToolCallID("t2"), ordered[1].ToolUseID)
	assert.Equal(t, agent.ToolCallID("t3"), ordered[2].ToolUseID)
}

func TestOrderPartsKeepsUnmatchedAtEnd(t *testing.T) {
	calls := []model.ToolCall{{ID: "t1"}}
	parts := []model.ToolResultPart{{ToolUseID: "stray"}, {ToolUseID: "t1"}}
	ordered := OrderParts(calls, parts)
	require.Len(t, ordered, 2)
	assert.Equal(t, agent.ToolCallID("t1"), ordered[0].ToolUseID)
	assert.Equal(t, agent.ToolCallID("stray"), ordered[1].ToolUseID)
}
