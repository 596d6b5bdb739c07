package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/agentrun/features/stream/pulse/clients/pulse"
	"goa.design/agentrun/runtime/agent/stream"
)

// RunStreams wires a caller-provided Pulse client into the runtime. It owns
// the publishing sink (passed to runtime.Config.Sink) and spawns subscribers
// that reuse the same client, so services manage a single Pulse connection.
type RunStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// RunStreamsOptions configures the helper returned by NewRunStreams.
type RunStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// Required; typically built via features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink. Leave
	// zero-valued for defaults.
	Sink Options
}

// NewRunStreams constructs helpers for publishing run events to Pulse and
// subscribing to the resulting streams. Pass Sink() to runtime.Config.Sink
// and keep the helper around to create subscribers (e.g. SSE fan-out).
func NewRunStreams(opts RunStreamsOptions) (*RunStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &RunStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink for runtime.Config.
func (r *RunStreams) Sink() stream.Sink {
	return r.sink
}

// NewSubscriber constructs a subscriber that reuses the helper's client.
func (r *RunStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink. Call during service shutdown after
// all subscribers have been cancelled.
func (r *RunStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
