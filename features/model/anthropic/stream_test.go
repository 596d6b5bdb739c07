package anthropic

import (
	"context"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func sse(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: []byte(data)}
}

func drain(t *testing.T, s model.Streamer) []model.StreamPart {
	t.Helper()
	var parts []model.StreamPart
	for {
		part, err := s.Recv()
		if err == io.EOF {
			return parts
		}
		require.NoError(t, err)
		parts = append(parts, part)
	}
}

func TestStreamerTextAndToolCall(t *testing.T) {
	events := []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"id":"msg_1"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"x\":"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"1}"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":7,"output_tokens":3}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)

	s := newStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	parts := drain(t, s)
	require.NotEmpty(t, parts)
	assert.Equal(t, model.PartStart, parts[0].Type)

	var text string
	var toolCall *model.StreamPart
	var deltas int
	var finish *model.StreamPart
	for i := range parts {
		switch parts[i].Type {
		case model.PartTextDelta:
			text += parts[i].TextDelta
		case model.PartToolInputDelta:
			deltas++
		case model.PartToolCall:
			toolCall = &parts[i]
		case model.PartFinish:
			finish = &parts[i]
		}
	}
	assert.Equal(t, "hello", text)
	assert.Equal(t, 2, deltas)
	require.NotNil(t, toolCall)
	assert.Equal(t, "lookup", toolCall.ToolName)
	assert.Equal(t, "t1", string(toolCall.ToolCallID))
	assert.JSONEq(t, `{"x":1}`, string(toolCall.Input))
	require.NotNil(t, finish)
	assert.Equal(t, model.FinishToolCalls, finish.FinishReason)
	assert.Equal(t, 7, finish.Usage.InputTokens)
	assert.Equal(t, 3, finish.Usage.OutputTokens)

	meta := s.Metadata()
	require.NotNil(t, meta)
	assert.Equal(t, "msg_1", meta["messageId"])
}

func TestStreamerThinking(t *testing.T) {
	events := []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"id":"msg_2"}}`),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me see"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"done"}}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":1,"output_tokens":1}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)

	s := newStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	parts := drain(t, s)
	var kinds []model.StreamPartType
	for _, p := range parts {
		kinds = append(kinds, p.Type)
	}
	assert.Equal(t, []model.StreamPartType{
		model.PartStart,
		model.PartReasoningStart,
		model.PartReasoningDelta,
		model.PartReasoningEnd,
		model.PartTextDelta,
		model.PartFinish,
	}, kinds)
	assert.Equal(t, model.FinishStop, parts[len(parts)-1].FinishReason)
}

func TestStreamerEmptyToolInputDefaultsToObject(t *testing.T) {
	events := []ssestream.Event{
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t9","name":"ping"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)

	s := newStreamer(context.Background(), stream)
	defer func() { _ = s.Close() }()

	parts := drain(t, s)
	var call *model.StreamPart
	for i := range parts {
		if parts[i].Type == model.PartToolCall {
			call = &parts[i]
		}
	}
	require.NotNil(t, call)
	assert.JSONEq(t, `{}`, string(call.Input))
}
