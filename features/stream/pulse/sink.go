// Package pulse publishes run events to goa.design/pulse streams so that
// consumers in other processes can follow a run. Each run gets its own
// stream keyed by run id; the runtime's pipeline taps every emitted event
// into the sink.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/agentrun/features/stream/pulse/clients/pulse"
	"goa.design/agentrun/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults
		// to "run/<RunID>".
		StreamID func(stream.Event) (string, error)
		// OnPublished, when set, is invoked after each successful publish
		// with the stream and entry the event landed on.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes one event after it has been written to Pulse.
	PublishedEvent struct {
		Event    stream.Event
		StreamID string
		EntryID  string
	}

	// Sink writes run events into Pulse streams. It implements stream.Sink
	// and is safe for concurrent Publish calls.
	Sink struct {
		client      clientspulse.Client
		streamID    func(stream.Event) (string, error)
		onPublished func(context.Context, PublishedEvent) error
	}
)

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:      opts.Client,
		streamID:    defaultStreamID,
		onPublished: opts.OnPublished,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	return s, nil
}

// Publish writes the event to the Pulse stream derived from its run id. The
// event itself is the wire payload; its JSON form carries the type, sequence
// and timestamp consumers need to re-order and replay.
func (s *Sink) Publish(ctx context.Context, ev stream.Event) error {
	streamID, err := s.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	entryID, err := handle.Add(ctx, string(ev.Type), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEvent{Event: ev, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(ev stream.Event) (string, error) {
	if ev.RunID == "" {
		return "", errors.New("stream event missing run id")
	}
	return fmt.Sprintf("run/%s", ev.RunID), nil
}
