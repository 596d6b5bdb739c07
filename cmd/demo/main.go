// Command demo runs a small agent end to end against an in-process stack: an
// in-memory cache, a scripted model client and a single weather tool. It
// prints the event stream and the final result, which makes it handy for
// kicking the tires without Redis or provider credentials.
//
// To run against a real provider instead, swap the scripted client for
// features/model/anthropic or features/model/openai.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/cache"
	"goa.design/agentrun/runtime/agent/manifest"
	"goa.design/agentrun/runtime/agent/model"
	"goa.design/agentrun/runtime/agent/runtime"
	"goa.design/agentrun/runtime/agent/stream"
	"goa.design/agentrun/runtime/agent/tools"
)

// scripted replays canned responses: first a tool call, then a final answer.
type scripted struct {
	responses []*model.Response
	next      int
}

func (s *scripted) Complete(_ context.Context, _ model.Request) (*model.Response, error) {
	if s.next >= len(s.responses) {
		return nil, fmt.Errorf("script exhausted after %d responses", s.next)
	}
	resp := s.responses[s.next]
	s.next++
	return resp, nil
}

func (s *scripted) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "demo:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	client := &scripted{responses: []*model.Response{
		{
			FinishReason: model.FinishToolCalls,
			ToolCalls: []model.ToolCall{{
				ID:    "call-1",
				Name:  "get_weather",
				Input: json.RawMessage(`{"city":"Paris"}`),
			}},
		},
		{
			FinishReason: model.FinishStop,
			Text:         "It is sunny in Paris, 24C.",
		},
	}}

	weather := &tools.Tool{
		Definition: model.ToolDefinition{
			Name:        "get_weather",
			Description: "Returns the current weather for a city.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		},
		Shape: tools.ShapePlain,
		Plain: func(_ context.Context, input json.RawMessage, _ tools.CallMeta) (json.RawMessage, error) {
			var in struct {
				City string `json:"city"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]any{"city": in.City, "conditions": "sunny", "temperature": 24})
		},
	}

	man := &manifest.Manifest{
		ID:           "demo.weather",
		Version:      "1",
		Name:         "Weather Assistant",
		Instructions: "Answer weather questions using the get_weather tool.",
		Provider:     manifest.ProviderConfig{Client: "scripted", Model: "demo"},
		Tools:        []*tools.Tool{weather},
		StreamingEvents: []stream.EventType{
			stream.EventStepStart, stream.EventToolCall, stream.EventToolResult, stream.EventStepFinish,
		},
		Timeout: time.Minute,
	}

	rt, err := runtime.New(runtime.Config{
		Clients: map[string]model.Client{"scripted": client},
		Cache:   cache.NewInMem(time.Hour),
	})
	if err != nil {
		return err
	}

	items, err := rt.Stream(ctx, runtime.RunConfig{
		Manifests: []*manifest.Manifest{man},
		Root:      agent.ID("demo.weather"),
	}, runtime.NewRequest("What is the weather in Paris?"))
	if err != nil {
		return err
	}

	for item := range items {
		switch item.Type {
		case stream.ItemEvent:
			ev := item.Event
			fmt.Printf("[%03d] %-14s", ev.Sequence, ev.Type)
			switch ev.Type {
			case stream.EventToolCall:
				fmt.Printf(" %s %s", ev.ToolName, ev.ToolInput)
			case stream.EventToolResult:
				if ev.ToolResult != nil {
					fmt.Printf(" %s -> %s", ev.ToolName, ev.ToolResult.Content)
				}
			case stream.EventStepFinish:
				fmt.Printf(" reason=%s", ev.FinishReason)
			}
			fmt.Println()
		case stream.ItemError:
			fmt.Println("error:", item.Err)
		case stream.ItemFinal:
			fmt.Printf("\nfinal status: %s\n", item.Final.Status)
			fmt.Printf("answer: %s\n", item.Final.Text)
		}
	}
	return nil
}
