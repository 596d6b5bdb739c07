package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/run"
)

// DefaultBuffer is the pipeline's bounded channel capacity.
const DefaultBuffer = 16

// ErrClosed is returned by Emit after the pipeline has finished.
var ErrClosed = errors.New("stream: pipeline closed")

// Sink is an optional tap receiving every emitted event, e.g. to publish to
// an out-of-process stream. Publishing is best effort: a failing sink never
// stalls or fails the run; implementations report their own errors.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Pipeline is the bounded, single-consumer event stream of one run. The loop
// and concurrently executing streaming tools emit into it; exactly one final
// item terminates it. Producers block when the consumer is slow; events are
// never dropped.
type Pipeline struct {
	items chan Item
	sink  Sink
	now   func() time.Time

	seq atomic.Uint64

	mu      sync.RWMutex
	filters map[agent.ID]map[EventType]struct{}
	closed  bool
}

// PipelineOption configures a pipeline.
type PipelineOption func(*Pipeline)

// WithBuffer sets the channel capacity.
func WithBuffer(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.items = make(chan Item, n)
		}
	}
}

// WithSink attaches an event tap.
func WithSink(s Sink) PipelineOption {
	return func(p *Pipeline) { p.sink = s }
}

// NewPipeline builds a pipeline with the default buffer.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		items:   make(chan Item, DefaultBuffer),
		filters: make(map[agent.ID]map[EventType]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AllowEvents registers the filterable kinds the given manifest emits. A
// manifest with no registration emits lifecycle events only.
func (p *Pipeline) AllowEvents(id agent.ID, kinds []EventType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := make(map[EventType]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	p.filters[id] = set
}

// Items returns the consumer side of the stream. It is closed after the
// final item.
func (p *Pipeline) Items() <-chan Item { return p.items }

// Emit stamps and publishes one event. Filterable kinds not allowed by the
// event's manifest are silently discarded. Emit blocks while the buffer is
// full and unblocks with the context error when ctx is cancelled.
func (p *Pipeline) Emit(ctx context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if ev.Type.Filterable() && !p.allowedLocked(ev) {
		return nil
	}
	ev.Sequence = p.seq.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	select {
	case p.items <- Item{Type: ItemEvent, Event: &ev}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.sink != nil {
		_ = p.sink.Publish(ctx, ev)
	}
	return nil
}

// EmitError publishes a non-terminal error item.
func (p *Pipeline) EmitError(ctx context.Context, err error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.items <- Item{Type: ItemError, Err: agent.AsError(err)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish publishes the terminal final item and closes the stream. Exactly
// one call succeeds; later calls return ErrClosed.
func (p *Pipeline) Finish(ctx context.Context, res *run.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	defer close(p.items)
	select {
	case p.items <- Item{Type: ItemFinal, Final: res}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) allowedLocked(ev Event) bool {
	set, ok := p.filters[ev.ManifestID]
	if !ok {
		return false
	}
	_, ok = set[ev.Type]
	return ok
}
