package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/stream"
)

func echoTool() *Tool {
	return &Tool{
		Definition: model.ToolDefinition{Name: "echo"},
		Shape:      ShapePlain,
		Plain: func(_ context.Context, input json.RawMessage, _ CallMeta) (json.RawMessage, error) {
			return input, nil
		},
	}
}

func TestHarnessPlainSuccess(t *testing.T) {
	h := NewHarness()
	call := model.ToolCall{ID: "tc1", Name: "echo", Input: json.RawMessage(`{"x":5}`)}
	res := h.Execute(context.Background(), echoTool(), call, &ExecContext{RunID: "r1"})
	require.Equal(t, ResultSuccess, res.Kind)
	assert.JSONEq(t, `{"x":5}`, string(res.Output))
}

func TestHarnessPlainErrorIsNotRetryable(t *testing.T) {
	tool := &Tool{
		Definition: model.ToolDefinition{Name: "boom"},
		Shape:      ShapePlain,
		Plain: func(context.Context, json.RawMessage, CallMeta) (json.RawMessage, error) {
			return nil, errors.New("db unreachable")
		},
	}
	res := NewHarness().Execute(context.Background(), tool, model.ToolCall{ID: "tc1", Name: "boom"}, &ExecContext{})
	require.Equal(t, ResultError, res.Kind)
	assert.Equal(t, CodeExecution, res.ErrorCode)
	assert.False(t, res.Retryable)
	assert.Contains(t, res.ErrorMessage, "db unreachable")
}

func TestHarnessRecoversPanics(t *testing.T) {
	tool := &Tool{
		Definition: model.ToolDefinition{Name: "panicky"},
		Shape:      ShapePlain,
		Plain: func(context.Context, json.RawMessage, CallMeta) (json.RawMessage, error) {
			panic("invariant violated")
		},
	}
	res := NewHarness().Execute(context.Background(), tool, model.ToolCall{ID: "tc1", Name: "panicky"}, &ExecContext{})
	require.Equal(t, ResultError, res.Kind)
	assert.Equal(t, CodeExecution, res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "invariant violated")
}

func TestHarnessCancelledBeforeExecution(t *testing.T) {
	invoked := false
	tool := &Tool{
		Definition: model.ToolDefinition{Name: "slow"},
		Shape:      ShapePlain,
		Plain: func(context.Context, json.RawMessage, CallMeta) (json.RawMessage, error) {
			invoked = true
			return nil, nil
		},
	}
	ec := &ExecContext{
		Cancelled: func(context.Context) (bool, error) { return true, nil },
	}
	res := NewHarness().Execute(context.Background(), tool, model.ToolCall{ID: "tc1", Name: "slow"}, ec)
	require.Equal(t, ResultError, res.Kind)
	assert.Equal(t, CodeCancelled, res.ErrorCode)
	assert.Equal(t, "Operation cancelled", res.ErrorMessage)
	assert.False(t, invoked, "tool must not run once the signal is set")
}

func TestHarnessContextShapeCanSuspend(t *testing.T) {
	tool := &Tool{
		Definition: model.ToolDefinition{Name: "delegate"},
		Shape:      ShapeContext,
		Context: func(_ context.Context, call model.ToolCall, _ *ExecContext) Result {
			return SuspendedStacks("child-run", nil)
		},
	}
	res := NewHarness().Execute(context.Background(), tool, model.ToolCall{ID: "tc1", Name: "delegate"}, &ExecContext{})
	require.Equal(t, ResultSuspended, res.Kind)
	assert.Equal(t, agent.RunID("child-run"), res.ChildRunID)
}

func TestHarnessStreamingShapeEmitsEvents(t *testing.T) {
	var emitted int
	tool := &Tool{
		Definition: model.ToolDefinition{Name: "streamer"},
		Shape:      ShapeStreaming,
		Streaming: func(_ context.Context, _ model.ToolCall, ec *ExecContext) Result {
			ec.Events(stream.Event{Type: stream.EventTextDelta, TextDelta: "a"})
			ec.Events(stream.Event{Type: stream.EventTextDelta, TextDelta: "b"})
			return Success(json.RawMessage(`"ok"`))
		},
	}
	ec := &ExecContext{Events: func(stream.Event) { emitted++ }}
	res := NewHarness().Execute(context.Background(), tool, model.ToolCall{ID: "tc1", Name: "streamer"}, ec)
	require.Equal(t, ResultSuccess, res.Kind)
	assert.Equal(t, 2, emitted)
}

func TestHarnessMiddlewareOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next Executor) Executor {
			return func(ctx context.Context, call model.ToolCall, ec *ExecContext) Result {
				order = append(order, name)
				return next(ctx, call, ec)
			}
		}
	}
	tool := echoTool()
	tool.Middleware = []Middleware{mk("tool-1"), mk("tool-2")}
	h := NewHarness(WithMiddleware(mk("global")))
	h.Execute(context.Background(), tool, model.ToolCall{ID: "tc1", Name: "echo"}, &ExecContext{})
	assert.Equal(t, []string{"global", "tool-1", "tool-2"}, order, "first middleware is outermost")
}

func TestResultPartConversion(t *testing.T) {
	call := model.ToolCall{ID: "tc9", Name: "echo"}

	part := Success(json.RawMessage(`{"ok":true}`)).Part(call)
	assert.Equal(t, agent.ToolCallID("tc9"), part.ToolUseID)
	assert.False(t, part.IsError)
	assert.JSONEq(t, `{"ok":true}`, string(part.Content))

	part = Errorf(CodeExecution, false, "nope").Part(call)
	assert.True(t, part.IsError)
	assert.JSONEq(t, `{"error":"nope"}`, string(part.Content))
}
