package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
)

// streamer adapts an Anthropic Messages SSE stream to model.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	parts chan model.StreamPart

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		parts:  make(chan model.StreamPart, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.StreamPart, error) {
	select {
	case part, ok := <-s.parts:
		if ok {
			return part, nil
		}
		if err := s.err(); err != nil {
			return model.StreamPart{}, err
		}
		return model.StreamPart{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.StreamPart{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *streamer) run() {
	defer close(s.parts)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	p := newEventProcessor(s.emit, s.recordMeta)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := p.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(part model.StreamPart) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.parts <- part:
		return nil
	}
}

func (s *streamer) recordMeta(key string, value any) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
	s.metaMu.Unlock()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet || err == nil {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// eventProcessor converts Anthropic streaming events into StreamParts.
type eventProcessor struct {
	emit       func(model.StreamPart) error
	recordMeta func(string, any)

	toolBlocks map[int]*toolBuffer
	thinking   map[int]bool

	stopReason string
	usage      model.TokenUsage
}

func newEventProcessor(emit func(model.StreamPart) error, recordMeta func(string, any)) *eventProcessor {
	return &eventProcessor{
		emit:       emit,
		recordMeta: recordMeta,
		toolBlocks: make(map[int]*toolBuffer),
		thinking:   make(map[int]bool),
	}
}

func (p *eventProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.thinking = make(map[int]bool)
		p.stopReason = ""
		if ev.Message.ID != "" && p.recordMeta != nil {
			p.recordMeta("messageId", ev.Message.ID)
		}
		return p.emit(model.StreamPart{Type: model.PartStart})

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch start := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			if start.ID == "" {
				return errors.New("anthropic stream: tool use block missing id")
			}
			if start.Name == "" {
				return errors.New("anthropic stream: tool use block missing name")
			}
			p.toolBlocks[idx] = &toolBuffer{id: start.ID, name: start.Name}
			return p.emit(model.StreamPart{
				Type:       model.PartToolInputStart,
				ToolCallID: agent.ToolCallID(start.ID),
				ToolName:   start.Name,
			})
		case sdk.ThinkingBlock:
			p.thinking[idx] = true
			return p.emit(model.StreamPart{Type: model.PartReasoningStart})
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(model.StreamPart{Type: model.PartTextDelta, TextDelta: delta.Text})
		case sdk.InputJSONDelta:
			tb := p.toolBlocks[idx]
			if tb == nil || delta.PartialJSON == "" {
				return nil
			}
			tb.fragments = append(tb.fragments, delta.PartialJSON)
			return p.emit(model.StreamPart{
				Type:       model.PartToolInputDelta,
				ToolCallID: agent.ToolCallID(tb.id),
				ToolName:   tb.name,
				InputDelta: delta.PartialJSON,
			})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return p.emit(model.StreamPart{Type: model.PartReasoningDelta, ReasoningDelta: delta.Thinking})
		}
		return nil

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if p.thinking[idx] {
			delete(p.thinking, idx)
			return p.emit(model.StreamPart{Type: model.PartReasoningEnd})
		}
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			return p.emit(model.StreamPart{
				Type:       model.PartToolCall,
				ToolCallID: agent.ToolCallID(tb.id),
				ToolName:   tb.name,
				Input:      tb.finalInput(),
			})
		}
		return nil

	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		p.usage = model.TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
			TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
		if p.recordMeta != nil {
			p.recordMeta("usage", p.usage)
		}
		return nil

	case sdk.MessageStopEvent:
		part := model.StreamPart{
			Type:         model.PartFinish,
			FinishReason: finishReason(p.stopReason),
			Usage:        p.usage,
		}
		p.toolBlocks = make(map[int]*toolBuffer)
		p.thinking = make(map[int]bool)
		return p.emit(part)
	}
	return nil
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

// finalInput joins streamed fragments into the call's canonical JSON input.
// Empty input means a no-argument call, encoded as an empty object.
func (tb *toolBuffer) finalInput() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}
