package model

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient implements Client on top of the Anthropic Messages API.
type AnthropicClient struct {
	msg          *sdk.MessageService
	defaultModel string
}

// NewAnthropicClient builds a Client from an API key and default model
// identifier (e.g. string(sdk.ModelClaudeSonnet4_5)).
func NewAnthropicClient(apiKey, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("model: anthropic api key is required")
	}
	if defaultModel == "" {
		return nil, errors.New("model: anthropic default model is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &c.Messages, defaultModel: defaultModel}, nil
}

func (c *AnthropicClient) Name() string { return "anthropic" }

func (c *AnthropicClient) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	params := c.buildParams(messages, nil, opts)
	resp, err := c.msg.New(ctx, params)
	if err != nil {
		return "", classifyAnthropicErr(err)
	}
	return extractText(resp), nil
}

func (c *AnthropicClient) ChatWithTools(ctx context.Context, messages []Message, tools []ToolSchema, opts Options) (ChatWithToolsResult, error) {
	params := c.buildParams(messages, tools, opts)
	resp, err := c.msg.New(ctx, params)
	if err != nil {
		return ChatWithToolsResult{}, classifyAnthropicErr(err)
	}
	if calls := extractToolCalls(resp); len(calls) > 0 {
		return ChatWithToolsResult{ToolCalls: calls}, nil
	}
	return ChatWithToolsResult{Text: extractText(resp)}, nil
}

func (c *AnthropicClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	params := c.buildParams(messages, nil, opts)
	stream := c.msg.NewStreaming(ctx, params)

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			if delta, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
				if text := delta.Delta.Text; text != "" {
					out <- StreamChunk{Text: text}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- StreamChunk{Err: classifyAnthropicErr(err)}
		}
	}()
	return out, nil
}

func (c *AnthropicClient) buildParams(messages []Message, tools []ToolSchema, opts Options) sdk.MessageNewParams {
	maxTokens := int64(opts.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.defaultModel),
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(messages),
	}
	for _, m := range messages {
		if m.Role == RoleSystem {
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}
	return params
}

func toAnthropicMessages(messages []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleUser, RoleTool:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case RoleSystem:
			// Anthropic takes system instructions as a top-level field, not a
			// message; buildParams moves System messages into params.System.
		}
	}
	return out
}

func toAnthropicTools(tools []ToolSchema) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
			Properties: t.Parameters.Properties,
			Required:   t.Parameters.Required,
		}, t.Name))
	}
	return out
}

func extractText(msg *sdk.Message) string {
	var text string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			text += tb.Text
		}
	}
	return text
}

func extractToolCalls(msg *sdk.Message) []ToolCall {
	var calls []ToolCall
	for _, block := range msg.Content {
		if tu, ok := block.AsAny().(sdk.ToolUseBlock); ok {
			calls = append(calls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: string(tu.Input),
			})
		}
	}
	return calls
}

func classifyAnthropicErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return &ProviderError{Provider: "anthropic", Kind: ProviderErrRateLimited, Cause: err}
		case 401, 403:
			return &ProviderError{Provider: "anthropic", Kind: ProviderErrAuth, Cause: err}
		default:
			if apiErr.StatusCode >= 500 {
				return &ProviderError{Provider: "anthropic", Kind: ProviderErrServerError, Cause: err}
			}
		}
	}
	return &ProviderError{Provider: "anthropic", Kind: ProviderErrNetwork, Cause: fmt.Errorf("anthropic messages.new: %w", err)}
}
