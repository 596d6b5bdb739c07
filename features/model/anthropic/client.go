// Package anthropic implements model.Client on top of the Anthropic Claude
// Messages API. It translates runtime requests into anthropic.Message calls
// using github.com/anthropics/anthropic-sdk-go and maps responses (text,
// tool calls, thinking, usage) back into the provider-agnostic structures the
// agent loop consumes.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures optional adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Use the typed constants from
		// github.com/anthropics/anthropic-sdk-go or the identifiers from the
		// Anthropic model reference.
		DefaultModel string

		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. The Messages API requires a positive cap, so one of the
		// two must be set.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and collects the
// response.
func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// model.StreamParts.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	toolList, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.Instructions != "" {
		params.System = []sdk.TextBlockParam{{Text: req.Instructions}}
	}
	if len(toolList) > 0 {
		params.Tools = toolList
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return &params, nil
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

// encodeMessages maps the transcript to Anthropic message params. Tool role
// messages and any user messages adjacent to them are coalesced into a single
// user message with tool_result blocks first, which satisfies the Messages
// API requirement that results immediately follow their tool_use turn.
func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, error) {
	type group struct {
		assistant bool
		results   []sdk.ContentBlockParamUnion
		blocks    []sdk.ContentBlockParamUnion
	}
	var groups []*group
	current := func(assistant bool) *group {
		if n := len(groups); n > 0 && groups[n-1].assistant == assistant {
			return groups[n-1]
		}
		g := &group{assistant: assistant}
		groups = append(groups, g)
		return g
	}

	for _, m := range msgs {
		if m == nil {
			continue
		}
		assistant := m.Role == model.RoleAssistant
		g := current(assistant)
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					g.blocks = append(g.blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ReasoningPart:
				// Reasoning is provider-managed; it is not re-encoded.
			case model.ToolUsePart:
				if v.Name == "" {
					return nil, errors.New("anthropic: tool_use part missing name")
				}
				g.blocks = append(g.blocks, sdk.NewToolUseBlock(string(v.ID), v.Input, v.Name))
			case model.ToolResultPart:
				g.results = append(g.results, sdk.NewToolResultBlock(string(v.ToolUseID), string(v.Content), v.IsError))
			case model.ApprovalResponsePart:
				g.blocks = append(g.blocks, sdk.NewTextBlock(approvalText(v)))
			case model.BlobPart:
				g.blocks = append(g.blocks, sdk.NewTextBlock(fmt.Sprintf("[attachment %s (%s)]", v.URI, v.ContentType)))
			case model.BinaryPart:
				g.blocks = append(g.blocks, sdk.NewTextBlock(fmt.Sprintf("[inline attachment (%s, %d bytes)]", v.ContentType, len(v.Data))))
			}
		}
	}

	conversation := make([]sdk.MessageParam, 0, len(groups))
	for _, g := range groups {
		blocks := append(g.results, g.blocks...)
		if len(blocks) == 0 {
			continue
		}
		if g.assistant {
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, nil
}

func approvalText(v model.ApprovalResponsePart) string {
	verdict := "denied"
	if v.Approved {
		verdict = "approved"
	}
	if v.Reason != "" {
		return fmt.Sprintf("Tool call %s was %s: %s", v.ToolCallID, verdict, v.Reason)
	}
	return fmt.Sprintf("Tool call %s was %s.", v.ToolCallID, verdict)
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	return toolList, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{ExtraFields: map[string]any{"type": "object"}}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "thinking":
			resp.Reasoning += block.Thinking
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:    agent.ToolCallID(block.ID),
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(u.InputTokens),
			OutputTokens: int(u.OutputTokens),
			TotalTokens:  int(u.InputTokens + u.OutputTokens),
		}
	}
	resp.FinishReason = finishReason(string(msg.StopReason))
	return resp, nil
}

func finishReason(stop string) model.FinishReason {
	switch stop {
	case "end_turn", "stop_sequence", "pause_turn":
		return model.FinishStop
	case "max_tokens":
		return model.FinishLength
	case "tool_use":
		return model.FinishToolCalls
	case "refusal":
		return model.FinishContentFilter
	default:
		return model.FinishStop
	}
}
