package openai

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
)

// streamer adapts an OpenAI chat completion SSE stream to model.Streamer.
// Tool call arguments stream as fragments keyed by index; the finalized calls
// are emitted when the stream reports its finish reason.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	parts chan model.StreamPart

	errMu    sync.Mutex
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk]) model.Streamer {
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

	calls := make(map[int64]*toolBuffer)
	var finish string
	var usage model.TokenUsage

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
				return
			}
			break
		}
		chunk := s.stream.Current()
		if chunk.ID != "" {
			s.recordMeta("completionId", chunk.ID)
		}
		if chunk.Usage.PromptTokens != 0 || chunk.Usage.CompletionTokens != 0 {
			usage = model.TokenUsage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:  int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			if err := s.emit(model.StreamPart{Type: model.PartTextDelta, TextDelta: choice.Delta.Content}); err != nil {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			tb := calls[tc.Index]
			if tb == nil {
				tb = &toolBuffer{}
				calls[tc.Index] = tb
			}
			if tc.ID != "" {
				tb.id = tc.ID
			}
			if tc.Function.Name != "" {
				tb.name = tc.Function.Name
				if err := s.emit(model.StreamPart{
					Type:       model.PartToolInputStart,
					ToolCallID: agent.ToolCallID(tb.id),
					ToolName:   tb.name,
				}); err != nil {
					return
				}
			}
			if tc.Function.Arguments != "" {
				tb.fragments = append(tb.fragments, tc.Function.Arguments)
				if err := s.emit(model.StreamPart{
					Type:       model.PartToolInputDelta,
					ToolCallID: agent.ToolCallID(tb.id),
					ToolName:   tb.name,
					InputDelta: tc.Function.Arguments,
				}); err != nil {
					return
				}
			}
		}
	}

	// Emit finalized tool calls in index order, then the finish part.
	indexes := make([]int64, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		tb := calls[idx]
		if err := s.emit(model.StreamPart{
			Type:       model.PartToolCall,
			ToolCallID: agent.ToolCallID(tb.id),
			ToolName:   tb.name,
			Input:      tb.finalInput(),
		}); err != nil {
			return
		}
	}
	_ = s.emit(model.StreamPart{
		Type:         model.PartFinish,
		FinishReason: finishReason(finish),
		Usage:        usage,
	})
}

func (s *streamer) emit(part model.StreamPart) error {
	select {
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
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
	if s.finalErr == nil && err != nil {
		s.finalErr = err
	}
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}
