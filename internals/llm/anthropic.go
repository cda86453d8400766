package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const (
	DefaultModel       = anthropic.ModelClaude4Sonnet20250514
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7
)

// Stream yields chunks from one streaming completion. Callers loop on Next,
// read Chunk, and check Err once Next returns false.
type Stream interface {
	Next() bool
	Chunk() Chunk
	Err() error
	Close() error
}

type Client struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
	reqOpts     []option.RequestOption
}

type Option func(*Client)

func WithModel(model anthropic.Model) Option {
	return func(c *Client) { c.model = model }
}

func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithRequestOptions passes options through to the underlying SDK client,
// e.g. a custom HTTP client or base URL.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *Client) { c.reqOpts = append(c.reqOpts, opts...) }
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		model:       DefaultModel,
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, c.reqOpts...)
	c.client = anthropic.NewClient(reqOpts...)
	return c
}

func (c *Client) Model() string { return string(c.model) }

// OpenStream starts a streaming completion. With ToolChoiceNone, or when
// tools is empty, the model can only answer in text.
func (c *Client) OpenStream(ctx context.Context, messages []Message, tools []Tool, choice ToolChoice) (Stream, error) {
	params, err := c.params(messages, tools, choice)
	if err != nil {
		return nil, err
	}
	return &messageStream{stream: c.client.Messages.NewStreaming(ctx, params)}, nil
}

// Complete runs a non-streaming completion without tools.
func (c *Client) Complete(ctx context.Context, messages []Message) (Message, error) {
	params, err := c.params(messages, nil, ToolChoiceAuto)
	if err != nil {
		return Message{}, err
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Message{}, fmt.Errorf("anthropic api: %w", err)
	}
	if len(resp.Content) == 0 {
		return Message{}, fmt.Errorf("anthropic returned empty content")
	}

	out := Message{Role: RoleAssistant}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return Message{}, fmt.Errorf("decode tool input for %s: %w", block.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.Content = text.String()
	return out, nil
}

func (c *Client) params(messages []Message, tools []Tool, choice ToolChoice) (anthropic.MessageNewParams, error) {
	system, apiMessages, err := toAPIMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	// The API rejects tool_use and tool_result blocks in a request that
	// defines no tools.
	if len(tools) == 0 && hasToolBlocks(messages) {
		return anthropic.MessageNewParams{}, fmt.Errorf("conversation contains tool calls but no tool definitions were given")
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Messages:    apiMessages,
		Temperature: anthropic.Float(c.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = make([]anthropic.ToolUnionParam, 0, len(tools))
		for _, t := range tools {
			params.Tools = append(params.Tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: t.InputSchema,
				},
			})
		}
		switch choice {
		case ToolChoiceNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}
	return params, nil
}

func hasToolBlocks(messages []Message) bool {
	for _, m := range messages {
		if m.Role == RoleTool || len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

// toAPIMessages splits out system text and converts the rest. Runs of tool
// messages become a single user turn of tool_result blocks, in order.
func toAPIMessages(messages []Message) (string, []anthropic.MessageParam, error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("messages cannot be empty")
	}

	var system []string
	out := make([]anthropic.MessageParam, 0, len(messages))
	var results []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for i, m := range messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case RoleTool:
			if m.ToolCallID == "" {
				return "", nil, fmt.Errorf("message[%d]: tool message without tool_call_id", i)
			}
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case RoleUser:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			flush()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: tc.ID, Name: tc.Name, Input: input},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return "", nil, fmt.Errorf("message[%d]: unknown role %q", i, m.Role)
		}
	}
	flush()

	if len(out) == 0 {
		return "", nil, fmt.Errorf("no conversational messages")
	}
	if last := out[len(out)-1]; last.Role != anthropic.MessageParamRoleUser {
		return "", nil, fmt.Errorf("last message must be from user, got %q", last.Role)
	}

	return strings.Join(system, "\n\n"), out, nil
}

type messageStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	current Chunk
}

func (s *messageStream) Next() bool {
	for s.stream.Next() {
		if chunk, ok := toChunk(s.stream.Current()); ok {
			s.current = chunk
			return true
		}
	}
	return false
}

func (s *messageStream) Chunk() Chunk { return s.current }

func (s *messageStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func (s *messageStream) Close() error { return s.stream.Close() }

// toChunk maps one SDK event onto a Chunk. Content block indices become
// fragment indices, so a batch can be sparse when text blocks precede tool
// calls.
func toChunk(event anthropic.MessageStreamEventUnion) (Chunk, bool) {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		switch ev.ContentBlock.Type {
		case "tool_use":
			return Chunk{Fragment: &Fragment{
				Index: int(ev.Index),
				ID:    ev.ContentBlock.ID,
				Name:  ev.ContentBlock.Name,
			}}, true
		case "text":
			if ev.ContentBlock.Text != "" {
				return Chunk{Content: ev.ContentBlock.Text}, true
			}
		}
	case anthropic.ContentBlockDeltaEvent:
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				return Chunk{Content: ev.Delta.Text}, true
			}
		case "input_json_delta":
			return Chunk{Fragment: &Fragment{Index: int(ev.Index), Arguments: ev.Delta.PartialJSON}}, true
		}
	case anthropic.MessageDeltaEvent:
		if reason := finishReason(string(ev.Delta.StopReason)); reason != FinishNone {
			return Chunk{Finish: reason}, true
		}
	}
	return Chunk{}, false
}

func finishReason(stop string) FinishReason {
	switch stop {
	case "":
		return FinishNone
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}
