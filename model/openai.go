package model

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient implements Client on top of the Chat Completions API. Used as
// the secondary failover provider behind Anthropic.
type OpenAIClient struct {
	chat         openai.ChatCompletionService
	defaultModel string
}

// NewOpenAIClient builds a Client from an API key and default model name.
func NewOpenAIClient(apiKey, defaultModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("model: openai api key is required")
	}
	if defaultModel == "" {
		return nil, errors.New("model: openai default model is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClient{chat: c.Chat.Completions, defaultModel: defaultModel}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := c.chat.New(ctx, c.buildParams(messages, nil, opts))
	if err != nil {
		return "", classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) ChatWithTools(ctx context.Context, messages []Message, tools []ToolSchema, opts Options) (ChatWithToolsResult, error) {
	resp, err := c.chat.New(ctx, c.buildParams(messages, tools, opts))
	if err != nil {
		return ChatWithToolsResult{}, classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return ChatWithToolsResult{}, nil
	}
	choice := resp.Choices[0].Message
	if len(choice.ToolCalls) > 0 {
		calls := make([]ToolCall, len(choice.ToolCalls))
		for i, tc := range choice.ToolCalls {
			calls[i] = ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		}
		return ChatWithToolsResult{ToolCalls: calls}, nil
	}
	return ChatWithToolsResult{Text: choice.Content}, nil
}

func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	stream := c.chat.NewStreaming(ctx, c.buildParams(messages, nil, opts))
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				out <- StreamChunk{Text: text}
			}
		}
		if err := stream.Err(); err != nil {
			out <- StreamChunk{Err: classifyOpenAIErr(err)}
		}
	}()
	return out, nil
}

func (c *OpenAIClient) buildParams(messages []Message, tools []ToolSchema, opts Options) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.defaultModel),
		Messages: toOpenAIMessages(messages),
	}
	if opts.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxOutputTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}
	return params
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func toOpenAITools(tools []ToolSchema) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters: openai.FunctionParameters{
					"type":       t.Parameters.Type,
					"properties": t.Parameters.Properties,
					"required":   t.Parameters.Required,
				},
			},
		}
	}
	return out
}

func classifyOpenAIErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return &ProviderError{Provider: "openai", Kind: ProviderErrRateLimited, Cause: err}
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return &ProviderError{Provider: "openai", Kind: ProviderErrAuth, Cause: err}
		case apiErr.StatusCode >= 500:
			return &ProviderError{Provider: "openai", Kind: ProviderErrServerError, Cause: err}
		}
	}
	return &ProviderError{Provider: "openai", Kind: ProviderErrNetwork, Cause: err}
}
