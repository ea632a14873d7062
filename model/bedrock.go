package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	smithydocument "github.com/aws/smithy-go/document"
)

// BedrockClient implements Client on top of the Bedrock Runtime Converse
// API. It is the tertiary provider in the default failover chain, exercised
// only when both Anthropic and OpenAI are exhausted.
type BedrockClient struct {
	rt      *bedrockruntime.Client
	modelID string
}

// NewBedrockClient builds a Client from a region and Bedrock model id (e.g.
// "anthropic.claude-3-5-sonnet-20241022-v2:0").
func NewBedrockClient(ctx context.Context, region, modelID string) (*BedrockClient, error) {
	if modelID == "" {
		return nil, errors.New("model: bedrock model id is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("model: load aws config: %w", err)
	}
	return &BedrockClient{rt: bedrockruntime.NewFromConfig(cfg), modelID: modelID}, nil
}

func (c *BedrockClient) Name() string { return "bedrock" }

func (c *BedrockClient) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	out, err := c.rt.Converse(ctx, c.buildInput(messages, nil, opts))
	if err != nil {
		return "", classifyBedrockErr(err)
	}
	return extractBedrockText(out), nil
}

func (c *BedrockClient) ChatWithTools(ctx context.Context, messages []Message, tools []ToolSchema, opts Options) (ChatWithToolsResult, error) {
	out, err := c.rt.Converse(ctx, c.buildInput(messages, tools, opts))
	if err != nil {
		return ChatWithToolsResult{}, classifyBedrockErr(err)
	}
	if calls := extractBedrockToolCalls(out); len(calls) > 0 {
		return ChatWithToolsResult{ToolCalls: calls}, nil
	}
	return ChatWithToolsResult{Text: extractBedrockText(out)}, nil
}

// ChatStream uses ConverseStream. Text deltas from Bedrock's event stream
// are forwarded as StreamChunks; other events, including the terminal
// metadata event, are ignored, and a stream error becomes a final error
// chunk.
func (c *BedrockClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	resp, err := c.rt.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(c.modelID),
		Messages: toBedrockMessages(messages),
	})
	if err != nil {
		return nil, classifyBedrockErr(err)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		stream := resp.GetStream()
		defer stream.Close()
		for event := range stream.Events() {
			if delta, ok := event.(*types.ConverseStreamOutputMemberContentBlockDelta); ok {
				if text, ok := delta.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
					out <- StreamChunk{Text: text.Value}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- StreamChunk{Err: classifyBedrockErr(err)}
		}
	}()
	return out, nil
}

func (c *BedrockClient) buildInput(messages []Message, tools []ToolSchema, opts Options) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.modelID),
		Messages: toBedrockMessages(messages),
	}
	if opts.MaxOutputTokens > 0 || opts.Temperature > 0 {
		cfg := &types.InferenceConfiguration{}
		if opts.MaxOutputTokens > 0 {
			cfg.MaxTokens = aws.Int32(int32(opts.MaxOutputTokens))
		}
		if opts.Temperature > 0 {
			cfg.Temperature = aws.Float32(float32(opts.Temperature))
		}
		input.InferenceConfig = cfg
	}
	if len(tools) > 0 {
		input.ToolConfig = toBedrockToolConfig(tools)
	}
	return input
}

func toBedrockMessages(messages []Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		var role types.ConversationRole
		switch m.Role {
		case RoleAssistant:
			role = types.ConversationRoleAssistant
		case RoleUser, RoleTool, RoleSystem:
			role = types.ConversationRoleUser
		}
		out = append(out, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return out
}

func toBedrockToolConfig(tools []ToolSchema) *types.ToolConfiguration {
	specs := make([]types.Tool, len(tools))
	for i, t := range tools {
		schema, _ := json.Marshal(map[string]any{
			"type":       t.Parameters.Type,
			"properties": t.Parameters.Properties,
			"required":   t.Parameters.Required,
		})
		specs[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpec{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: smithydocument.NewLazyDocument(json.RawMessage(schema))},
			},
		}
	}
	return &types.ToolConfiguration{Tools: specs}
}

func extractBedrockText(out *bedrockruntime.ConverseOutput) string {
	msgOut, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var text string
	for _, block := range msgOut.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	return text
}

func extractBedrockToolCalls(out *bedrockruntime.ConverseOutput) []ToolCall {
	msgOut, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil
	}
	var calls []ToolCall
	for _, block := range msgOut.Value.Content {
		if tu, ok := block.(*types.ContentBlockMemberToolUse); ok {
			args, _ := json.Marshal(tu.Value.Input)
			calls = append(calls, ToolCall{ID: aws.ToString(tu.Value.ToolUseId), Name: aws.ToString(tu.Value.Name), Arguments: string(args)})
		}
	}
	return calls
}

func classifyBedrockErr(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException":
			return &ProviderError{Provider: "bedrock", Kind: ProviderErrRateLimited, Cause: err}
		case "AccessDeniedException", "UnrecognizedClientException":
			return &ProviderError{Provider: "bedrock", Kind: ProviderErrAuth, Cause: err}
		case "ModelTimeoutException":
			return &ProviderError{Provider: "bedrock", Kind: ProviderErrTimeout, Cause: err}
		case "ModelErrorException", "InternalServerException":
			return &ProviderError{Provider: "bedrock", Kind: ProviderErrServerError, Cause: err}
		}
	}
	return &ProviderError{Provider: "bedrock", Kind: ProviderErrNetwork, Cause: err}
}
