package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/run"
)

func drain(t *testing.T, p *Pipeline) []Item {
	t.Helper()
	var items []Item
	for it := range p.Items() {
		items = append(items, it)
	}
	return items
}

func TestPipelineFiltersDisallowedKinds(t *testing.T) {
	p := NewPipeline()
	p.AllowEvents("root", []EventType{EventTextDelta})
	ctx := context.Background()

	require.NoError(t, p.Emit(ctx, Event{Type: EventTextDelta, ManifestID: "root", TextDelta: "hi"}))
	require.NoError(t, p.Emit(ctx, Event{Type: EventToolCall, ManifestID: "root", ToolName: "echo"}))
	require.NoError(t, p.Emit(ctx, Event{Type: EventAgentDone, ManifestID: "root"}))
	require.NoError(t, p.Finish(ctx, run.Complete("r1", "hi", model.TokenUsage{})))

	items := drain(t, p)
	require.Len(t, items, 3)
	assert.Equal(t, EventTextDelta, items[0].Event.Type)
	assert.Equal(t, EventAgentDone, items[1].Event.Type, "lifecycle events bypass the filter")
	assert.Equal(t, ItemFinal, items[2].Type)
	assert.Equal(t, run.StatusComplete, items[2].Final.Status)
}

func TestPipelineDefaultFilterEmitsLifecycleOnly(t *testing.T) {
	p := NewPipeline()
	ctx := context.Background()

	require.NoError(t, p.Emit(ctx, Event{Type: EventTextDelta, ManifestID: "root"}))
	require.NoError(t, p.Emit(ctx, Event{Type: EventStepStart, ManifestID: "root"}))
	require.NoError(t, p.Emit(ctx, Event{Type: EventAgentStarted, ManifestID: "root"}))
	require.NoError(t, p.Finish(ctx, run.Complete("r1", "", model.TokenUsage{})))

	items := drain(t, p)
	require.Len(t, items, 2)
	assert.Equal(t, EventAgentStarted, items[0].Event.Type)
}

func TestPipelineStampsEvents(t *testing.T) {
	p := NewPipeline()
	p.AllowEvents("root", []EventType{EventTextDelta})
	ctx := context.Background()

	require.NoError(t, p.Emit(ctx, Event{Type: EventTextDelta, ManifestID: "root"}))
	require.NoError(t, p.Emit(ctx, Event{Type: EventTextDelta, ManifestID: "root"}))
	require.NoError(t, p.Finish(ctx, run.Complete("r1", "", model.TokenUsage{})))

	items := drain(t, p)
	require.Len(t, items, 3)
	assert.False(t, items[0].Event.Timestamp.IsZero())
	assert.Less(t, items[0].Event.Sequence, items[1].Event.Sequence)
}

func TestPipelineEmitAfterFinish(t *testing.T) {
	p := NewPipeline()
	ctx := context.Background()
	require.NoError(t, p.Finish(ctx, run.Cancelled("r1")))
	assert.ErrorIs(t, p.Emit(ctx, Event{Type: EventAgentDone, ManifestID: "root"}), ErrClosed)
	assert.ErrorIs(t, p.Finish(ctx, run.Cancelled("r1")), ErrClosed)
}

func TestPipelineBackpressureUnblocksOnContextCancel(t *testing.T) {
	p := NewPipeline(WithBuffer(1))
	ctx := context.Background()
	require.NoError(t, p.Emit(ctx, Event{Type: EventAgentStarted, ManifestID: "root"}))

	cctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		errc <- p.Emit(cctx, Event{Type: EventAgentDone, ManifestID: "root"})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("emit did not unblock on context cancellation")
	}
}

type captureSink struct{ events []Event }

func (s *captureSink) Publish(_ context.Context, ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func TestPipelineSinkReceivesEmittedEvents(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(WithSink(sink))
	ctx := context.Background()

	require.NoError(t, p.Emit(ctx, Event{Type: EventAgentStarted, ManifestID: "root"}))
	require.NoError(t, p.Emit(ctx, Event{Type: EventTextDelta, ManifestID: "root"}), "filtered events bypass the sink too")
	require.NoError(t, p.Finish(ctx, run.Complete("r1", "", model.TokenUsage{})))
	drain(t, p)

	require.Len(t, sink.events, 1)
	assert.Equal(t, EventAgentStarted, sink.events[0].Type)
}
