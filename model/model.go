// Package model defines the provider-neutral chat/streaming/tool-calling
// contract every Model Adapter backend implements, plus the ordered-failover
// wrapper (failover.go) that the ReAct Agent Loop and clause_generate_diffs
// node call through.
package model

import "context"

// Role is a conversation participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the transcript passed to a provider.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string // set on Role=Tool messages: which call this responds to
	ToolName   string // set on Role=Tool messages
}

// ToolSchema is the provider-neutral JSON-Schema-like shape the Skill
// Registry exports for ReAct tool-calling.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  ToolParameters
}

// ToolParameters is a minimal JSON Schema object description.
type ToolParameters struct {
	Type       string                    `json:"type"`
	Properties map[string]map[string]any `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON, parsed defensively by the caller
}

// Options bounds and tunes a single call.
type Options struct {
	MaxOutputTokens int
	Temperature     float64
	TimeoutSeconds  int
	Stop            []string
}

// StreamChunk is one piece of a chat_stream response. Exactly one of Text or
// Err is set; Err terminates the stream.
type StreamChunk struct {
	Text string
	Err  error
}

// Client is implemented by every provider backend (anthropic, openai,
// bedrock) and by the Failover wrapper, so call sites never know which
// concrete provider served a request.
//
// Determinism/ordering: ChatStream preserves provider byte order.
// ChatWithTools is atomic — it returns either pure text or a complete set
// of tool calls, never a partial mix; providers that emit deltas buffer
// internally until the response is structurally complete. Text that a
// provider returns alongside tool calls is not passed on.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)
	ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)
	ChatWithTools(ctx context.Context, messages []Message, tools []ToolSchema, opts Options) (ChatWithToolsResult, error)
	// Name identifies the backend for logging, metrics tags, and failover
	// ordering (e.g. "anthropic", "openai", "bedrock").
	Name() string
}

// ChatWithToolsResult is the atomic result of ChatWithTools: either Text is
// populated (final answer) or ToolCalls is non-empty, never both.
type ChatWithToolsResult struct {
	Text      string
	ToolCalls []ToolCall
}
