package state

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/cache"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/storage"
)

func newTestStore() *Store {
	return NewStore(cache.NewInMem(time.Hour), storage.NewInMem())
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	st := New("run-1", "root", "root", "v1")
	st.AppendMessage(model.NewUserText("hello"))
	st.Steps = append(st.Steps, StepResult{
		StepNumber:   1,
		Request:      StepRequest{Model: "claude", MessageCount: 1},
		Text:         "hi",
		FinishReason: model.FinishStop,
		Usage:        model.TokenUsage{InputTokens: 10, OutputTokens: 2},
	})
	st.CurrentStepNumber = 1
	require.NoError(t, s.Set(ctx, st))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)
	assert.Equal(t, st.RootManifestID, got.RootManifestID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 1, got.CurrentStepNumber)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Text())
	require.Len(t, got.Steps, 1)
	assert.Equal(t, 10, got.Steps[0].Usage.InputTokens)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestStoreGetMissingIsNotFound(t *testing.T) {
	s := newTestStore()
	_, err := s.Get(context.Background(), "absent")
	assert.Equal(t, agent.CodeNotFound, agent.CodeOf(err))
}

func TestStoreRejectsUnknownSchemaVersion(t *testing.T) {
	c := cache.NewInMem(time.Hour)
	s := NewStore(c, storage.NewInMem())
	ctx := context.Background()

	st := New("run-schema", "root", "root", "v1")
	require.NoError(t, s.Set(ctx, st))

	// Corrupt the stored version.
	data, err := c.Get(ctx, Key("run-schema"))
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"schemaVersion":1`, `"schemaVersion":99`, 1)
	require.NoError(t, c.Set(ctx, Key("run-schema"), []byte(tampered), time.Hour))

	_, err = s.Get(ctx, "run-schema")
	assert.Equal(t, agent.CodeValidation, agent.CodeOf(err))
}

func TestStoreOffloadsBinaryContent(t *testing.T) {
	blobs := storage.NewInMem()
	c := cache.NewInMem(time.Hour)
	s := NewStore(c, blobs)
	ctx := context.Background()

	st := New("run-bin", "root", "root", "v1")
	st.Messages = append(st.Messages, &model.Message{
		Role: model.RoleUser,
		Parts: []model.Part{
			model.TextPart{Text: "see attachment"},
			model.BinaryPart{Data: []byte("png-bytes"), ContentType: "image/png"},
		},
	})
	require.NoError(t, s.Set(ctx, st))

	// Raw bytes never reach the cache.
	raw, err := c.Get(ctx, Key("run-bin"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "png-bytes")

	got, err := s.Get(ctx, "run-bin")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	blob, ok := got.Messages[0].Parts[1].(model.BlobPart)
	require.True(t, ok, "binary part replaced by blob reference")
	assert.Equal(t, "image/png", blob.ContentType)
	assert.Equal(t, int64(9), blob.Size)

	url, ok := SignedURL(got.Messages[0], 1)
	require.True(t, ok, "signed URL minted on load")
	data, err := blobs.Download(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestStoreSignedURLsAreFreshPerLoad(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	st := New("run-url", "root", "root", "v1")
	st.Messages = append(st.Messages, &model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{model.BinaryPart{Data: []byte("x"), ContentType: "application/octet-stream"}},
	})
	require.NoError(t, s.Set(ctx, st))

	a, err := s.Get(ctx, "run-url")
	require.NoError(t, err)
	b, err := s.Get(ctx, "run-url")
	require.NoError(t, err)

	ua, _ := SignedURL(a.Messages[0], 0)
	ub, _ := SignedURL(b.Messages[0], 0)
	assert.NotEqual(t, ua, ub)
}

func TestStoreDel(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	st := New("run-del", "root", "root", "v1")
	require.NoError(t, s.Set(ctx, st))
	require.NoError(t, s.Del(ctx, "run-del"))
	_, err := s.Get(ctx, "run-del")
	assert.Equal(t, agent.CodeNotFound, agent.CodeOf(err))
	assert.NoError(t, s.Del(ctx, "run-del"), "deleting a missing state is not an error")
}

func TestSuspensionLookups(t *testing.T) {
	st := New("run-susp", "root", "root", "v1")
	st.Suspensions = []ToolApprovalSuspension{
		{ApprovalID: "a1", ToolCallID: "tc1", ToolName: "delete_db"},
		{ApprovalID: "a2", ToolCallID: "tc2", ToolName: "send_email"},
	}
	st.SuspensionStacks = []SuspensionStack{{
		Agents:         []StackEntry{{ManifestID: "root", ManifestVersion: "v1", StateID: "run-susp", PendingToolCallID: "tc3"}, {ManifestID: "child", ManifestVersion: "v1", StateID: "child-run"}},
		LeafSuspension: ToolApprovalSuspension{ApprovalID: "a3", ToolCallID: "tc4", ToolName: "pay"},
	}}

	assert.True(t, st.HasPendingApprovals())
	assert.Equal(t, 1, st.FindSuspension("a2"))
	assert.Equal(t, -1, st.FindSuspension("a3"))
	assert.Equal(t, 0, st.FindStack("a3"))
	assert.Equal(t, -1, st.FindStack("a1"))

	st.RemoveSuspension(0)
	require.Len(t, st.Suspensions, 1)
	assert.Equal(t, agent.ApprovalID("a2"), st.Suspensions[0].ApprovalID)

	st.RemoveStack(0)
	assert.Empty(t, st.SuspensionStacks)
	assert.True(t, st.HasPendingApprovals(), "direct suspension still pending")
}

func TestRemoveStacksThrough(t *testing.T) {
	root := StackEntry{ManifestID: "root", ManifestVersion: "v1", StateID: "root-run", PendingToolCallID: "tc1"}
	st := New("root-run", "root", "root", "v1")
	st.SuspensionStacks = []SuspensionStack{
		{
			Agents:         []StackEntry{root, {ManifestID: "child", ManifestVersion: "v1", StateID: "child-a"}},
			LeafSuspension: ToolApprovalSuspension{ApprovalID: "a1", ToolCallID: "tc-c1", ToolName: "pay1"},
		},
		{
			Agents:         []StackEntry{root, {ManifestID: "child", ManifestVersion: "v1", StateID: "child-a"}},
			LeafSuspension: ToolApprovalSuspension{ApprovalID: "a2", ToolCallID: "tc-c2", ToolName: "pay2"},
		},
		{
			Agents:         []StackEntry{root, {ManifestID: "other", ManifestVersion: "v1", StateID: "child-b"}},
			LeafSuspension: ToolApprovalSuspension{ApprovalID: "a3", ToolCallID: "tc-o1", ToolName: "pay3"},
		},
	}

	st.RemoveStacksThrough("child-a")
	require.Len(t, st.SuspensionStacks, 1)
	assert.Equal(t, agent.ApprovalID("a3"), st.SuspensionStacks[0].LeafSuspension.ApprovalID)

	st.RemoveStacksThrough("nope")
	assert.Len(t, st.SuspensionStacks, 1)
}

func TestStackReroot(t *testing.T) {
	leaf := ToolApprovalSuspension{ApprovalID: "a1", ToolCallID: "tc9", ToolName: "pay"}
	child := SuspensionStack{
		Agents:         []StackEntry{{ManifestID: "mid", ManifestVersion: "v1", StateID: "mid-run", PendingToolCallID: "tc5"}, {ManifestID: "leaf", ManifestVersion: "v2", StateID: "leaf-run"}},
		LeafSuspension: leaf,
	}
	rooted := child.Reroot([]StackEntry{{ManifestID: "root", ManifestVersion: "v1", StateID: "root-run", PendingToolCallID: "tc1"}})

	require.Len(t, rooted.Agents, 3)
	assert.Equal(t, agent.ID("root"), rooted.Root().ManifestID)
	assert.Equal(t, agent.ID("leaf"), rooted.Leaf().ManifestID)
	assert.Empty(t, rooted.Leaf().PendingToolCallID)
	assert.Equal(t, leaf, rooted.LeafSuspension)
	// Original stack untouched.
	assert.Len(t, child.Agents, 2)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusSuspended.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestStateJSONStableKeys(t *testing.T) {
	st := New("run-json", "root", "root", "v1")
	st.Suspensions = []ToolApprovalSuspension{{ApprovalID: "a1", ToolCallID: "tc1", ToolName: "x", ToolArgs: json.RawMessage(`{"n":1}`)}}
	data, err := json.Marshal(st)
	require.NoError(t, err)
	for _, key := range []string{`"rootManifestId"`, `"suspensions"`, `"approvalId"`, `"toolCallId"`, `"schemaVersion"`, `"elapsedExecutionMs"`} {
		assert.Contains(t, string(data), key)
	}
}
