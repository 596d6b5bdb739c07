package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agentrun/features/stream/pulse/clients/pulse"
	"goa.design/agentrun/runtime/agent/stream"
)

type fakeClient struct {
	streamFn func(name string) (clientspulse.Stream, error)
	closed   bool
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return f.streamFn(name)
}

func (f *fakeClient) Close(context.Context) error {
	f.closed = true
	return nil
}

type fakeStream struct {
	addFn  func(ctx context.Context, event string, payload []byte) (string, error)
	sinkFn func(ctx context.Context, name string) (clientspulse.Sink, error)
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return f.addFn(ctx, event, payload)
}

func (f *fakeStream) NewSink(ctx context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	return f.sinkFn(ctx, name)
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

type fakeSink struct {
	ch    chan *streaming.Event
	acked []string
	ackFn func(*streaming.Event) error
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.ch }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	f.acked = append(f.acked, evt.ID)
	if f.ackFn != nil {
		return f.ackFn(evt)
	}
	return nil
}

func (f *fakeSink) Close(context.Context) {}

func TestPublishWritesEventToRunStream(t *testing.T) {
	var gotName, gotEvent string
	var gotPayload []byte
	str := &fakeStream{addFn: func(_ context.Context, event string, payload []byte) (string, error) {
		gotEvent = event
		gotPayload = payload
		return "1-0", nil
	}}
	cli := &fakeClient{streamFn: func(name string) (clientspulse.Stream, error) {
		gotName = name
		return str, nil
	}}

	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), stream.Event{
		Type:       stream.EventTextDelta,
		ManifestID: "researcher",
		RunID:      "run-123",
		Sequence:   7,
		TextDelta:  "hi",
	})
	require.NoError(t, err)

	assert.Equal(t, "run/run-123", gotName)
	assert.Equal(t, string(stream.EventTextDelta), gotEvent)

	var decoded stream.Event
	require.NoError(t, json.Unmarshal(gotPayload, &decoded))
	assert.Equal(t, stream.EventTextDelta, decoded.Type)
	assert.Equal(t, "run-123", string(decoded.RunID))
	assert.Equal(t, uint64(7), decoded.Sequence)
	assert.Equal(t, "hi", decoded.TextDelta)
}

func TestPublishRequiresRunID(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{}})
	require.NoError(t, err)
	err = sink.Publish(context.Background(), stream.Event{Type: stream.EventTextDelta})
	require.EqualError(t, err, "stream event missing run id")
}

func TestPublishCustomStreamID(t *testing.T) {
	var gotName string
	str := &fakeStream{addFn: func(context.Context, string, []byte) (string, error) { return "1-0", nil }}
	cli := &fakeClient{streamFn: func(name string) (clientspulse.Stream, error) {
		gotName = name
		return str, nil
	}}
	sink, err := NewSink(Options{
		Client: cli,
		StreamID: func(ev stream.Event) (string, error) {
			return "custom/" + string(ev.RunID), nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, sink.Publish(context.Background(), stream.Event{
		Type:  stream.EventAgentStarted,
		RunID: "run-1",
	}))
	assert.Equal(t, "custom/run-1", gotName)
}

func TestPublishSurfacesStreamErrors(t *testing.T) {
	cli := &fakeClient{streamFn: func(string) (clientspulse.Stream, error) {
		return nil, errors.New("boom")
	}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	err = sink.Publish(context.Background(), stream.Event{Type: stream.EventAgentStarted, RunID: "r"})
	require.EqualError(t, err, "boom")

	str := &fakeStream{addFn: func(context.Context, string, []byte) (string, error) {
		return "", errors.New("add-failed")
	}}
	cli.streamFn = func(string) (clientspulse.Stream, error) { return str, nil }
	err = sink.Publish(context.Background(), stream.Event{Type: stream.EventAgentStarted, RunID: "r"})
	require.EqualError(t, err, "add-failed")
}

func TestOnPublishedCallback(t *testing.T) {
	str := &fakeStream{addFn: func(context.Context, string, []byte) (string, error) { return "42-0", nil }}
	cli := &fakeClient{streamFn: func(string) (clientspulse.Stream, error) { return str, nil }}

	var got PublishedEvent
	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(_ context.Context, ev PublishedEvent) error {
			got = ev
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, sink.Publish(context.Background(), stream.Event{
		Type:  stream.EventAgentDone,
		RunID: "run-9",
	}))
	assert.Equal(t, "42-0", got.EntryID)
	assert.Equal(t, "run/run-9", got.StreamID)
	assert.Equal(t, stream.EventAgentDone, got.Event.Type)
}

func TestOnPublishedErrorPropagates(t *testing.T) {
	str := &fakeStream{addFn: func(context.Context, string, []byte) (string, error) { return "1-0", nil }}
	cli := &fakeClient{streamFn: func(string) (clientspulse.Stream, error) { return str, nil }}
	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(context.Context, PublishedEvent) error {
			return errors.New("after-publish")
		},
	})
	require.NoError(t, err)
	err = sink.Publish(context.Background(), stream.Event{Type: stream.EventAgentDone, RunID: "r"})
	require.EqualError(t, err, "after-publish")
}

func TestCloseDelegates(t *testing.T) {
	cli := &fakeClient{}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, cli.closed)
}
