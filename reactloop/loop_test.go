package reactloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/model"
	"github.com/legalflow/clausereview/skills"
)

// scriptedClient serves queued ChatWithTools/ChatStream responses in order,
// clamped to the last entry once exhausted. recordedCalls captures the
// transcript handed to ChatWithTools on every call, for assertions on
// truncation and message ordering.
type scriptedClient struct {
	toolTurns      []model.ChatWithToolsResult
	streamTurns    []string
	toolIdx        int
	streamIdx      int
	recordedCalls  [][]model.Message
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Chat(ctx context.Context, messages []model.Message, opts model.Options) (string, error) {
	return "", nil
}

func (c *scriptedClient) ChatWithTools(ctx context.Context, messages []model.Message, tools []model.ToolSchema, opts model.Options) (model.ChatWithToolsResult, error) {
	c.recordedCalls = append(c.recordedCalls, messages)
	if len(c.toolTurns) == 0 {
		return model.ChatWithToolsResult{}, nil
	}
	idx := c.toolIdx
	if idx >= len(c.toolTurns) {
		idx = len(c.toolTurns) - 1
	}
	c.toolIdx++
	return c.toolTurns[idx], nil
}

func (c *scriptedClient) ChatStream(ctx context.Context, messages []model.Message, opts model.Options) (<-chan model.StreamChunk, error) {
	idx := c.streamIdx
	if idx >= len(c.streamTurns) {
		idx = len(c.streamTurns) - 1
	}
	c.streamIdx++
	ch := make(chan model.StreamChunk, 1)
	ch <- model.StreamChunk{Text: c.streamTurns[idx]}
	close(ch)
	return ch, nil
}

const echoInputSchema = `{"type":"object","properties":{"value":{"type":"string"}},"required":["value"]}`
const echoOutputSchema = `{"type":"object","properties":{"value":{"type":"string"}},"required":["value"]}`

func echoDispatcher(t *testing.T) *skills.Dispatcher {
	t.Helper()
	reg := skills.NewRegistry()
	require.NoError(t, reg.Register(skills.Skill{
		ID:           "echo.tool",
		InputSchema:  []byte(echoInputSchema),
		OutputSchema: []byte(echoOutputSchema),
		Backend:      skills.BackendLocal,
		Handler: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"value": input["value"]}, nil
		},
	}))
	return skills.NewDispatcher(reg, nil, nil, nil)
}

func echoToolDefs() []skills.ToolDefinition {
	return []skills.ToolDefinition{{Name: "echo.tool", Description: "echoes its input", InputSchema: []byte(echoInputSchema)}}
}

func TestRun_NoToolCalls_ParsesFinalResponseDirectly(t *testing.T) {
	client := &scriptedClient{toolTurns: []model.ChatWithToolsResult{
		{Text: `{"risks":[{"risk_level":"high","type":"indemnity","description":"d","rationale":"r","original_text":"o"}],"summary":"looks risky"}`},
	}}
	l := New(client, echoDispatcher(t))
	res, err := l.Run(context.Background(), "system", "clause context", nil)
	require.NoError(t, err)
	require.Len(t, res.Findings.Risks, 1)
	assert.Equal(t, "looks risky", res.Findings.Summary)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Truncated)
}

func TestRun_ToolCallThenFinalResponse_DispatchesInOrderAndLatestWins(t *testing.T) {
	client := &scriptedClient{toolTurns: []model.ChatWithToolsResult{
		{Text: "calling tools", ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "echo.tool", Arguments: `{"value":"first"}`},
			{ID: "c2", Name: "echo.tool", Arguments: `{"value":"second"}`},
		}},
		{Text: `{"summary":"done"}`},
	}}
	l := New(client, echoDispatcher(t))
	res, err := l.Run(context.Background(), "system", "clause context", echoToolDefs())
	require.NoError(t, err)
	assert.Equal(t, "done", res.Findings.Summary)
	assert.Equal(t, 2, res.Iterations)
	require.Contains(t, res.SkillContext, "echo.tool")
	assert.Equal(t, "second", res.SkillContext["echo.tool"]["value"])

	// second ChatWithTools call should see both tool results appended, in order.
	require.Len(t, client.recordedCalls, 2)
	secondTurn := client.recordedCalls[1]
	var toolMsgs []model.Message
	for _, m := range secondTurn {
		if m.Role == model.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Equal(t, "c1", toolMsgs[0].ToolCallID)
	assert.Equal(t, "c2", toolMsgs[1].ToolCallID)
}

func TestRun_UnknownSkill_RecordsErrorResultAndContinues(t *testing.T) {
	client := &scriptedClient{toolTurns: []model.ChatWithToolsResult{
		{Text: "calling", ToolCalls: []model.ToolCall{{ID: "c1", Name: "no.such.skill", Arguments: `{}`}}},
		{Text: `{"summary":"recovered"}`},
	}}
	l := New(client, echoDispatcher(t))
	res, err := l.Run(context.Background(), "system", "clause context", echoToolDefs())
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Findings.Summary)
	assert.NotContains(t, res.SkillContext, "no.such.skill")
}

func TestRun_InvalidToolArguments_RecordsInvalidArgumentsAndContinues(t *testing.T) {
	client := &scriptedClient{toolTurns: []model.ChatWithToolsResult{
		{Text: "calling", ToolCalls: []model.ToolCall{{ID: "c1", Name: "echo.tool", Arguments: `not json`}}},
		{Text: `{"summary":"recovered"}`},
	}}
	l := New(client, echoDispatcher(t))
	res, err := l.Run(context.Background(), "system", "clause context", echoToolDefs())
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Findings.Summary)
	assert.NotContains(t, res.SkillContext, "echo.tool")
}

func TestRun_ExhaustsIterations_ReturnsInternalError(t *testing.T) {
	client := &scriptedClient{toolTurns: []model.ChatWithToolsResult{
		{Text: "calling", ToolCalls: []model.ToolCall{{ID: "c1", Name: "echo.tool", Arguments: `{"value":"x"}`}}},
	}}
	l := New(client, echoDispatcher(t), WithMaxIterations(2))
	res, err := l.Run(context.Background(), "system", "clause context", echoToolDefs())
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "exhausted 2 iterations")
	assert.Equal(t, 2, res.Iterations)
}

func TestParseFinalResponse_DirectUnmarshal(t *testing.T) {
	resp, err := parseFinalResponse(`{"summary":"ok","risks":[]}`)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Summary)
}

func TestParseFinalResponse_BalancedBraceFallback(t *testing.T) {
	text := "Here is my analysis:\n```json\n{\"summary\":\"wrapped\"}\n```\nHope that helps."
	resp, err := parseFinalResponse(text)
	require.NoError(t, err)
	assert.Equal(t, "wrapped", resp.Summary)
}

func TestParseFinalResponse_NoJSONObject_ReturnsInvalidInput(t *testing.T) {
	_, err := parseFinalResponse("no json here at all")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestParseFinalResponse_MalformedJSONInsideBraces_ReturnsInvalidInput(t *testing.T) {
	_, err := parseFinalResponse(`prose { "summary": not-a-string } trailing`)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestCapTranscript_WithinCap_ReturnsUnchanged(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: "sys"},
		{Role: model.RoleUser, Content: "user"},
	}
	out, truncated := capTranscript(messages, 1000)
	assert.False(t, truncated)
	assert.Equal(t, messages, out)
}

func TestCapTranscript_DropsOldestToolMessagesFirst(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: "sys"},
		{Role: model.RoleUser, Content: "user"},
		{Role: model.RoleTool, Content: "oldest-tool-result-aaaaaaaaaaaaaaaa"},
		{Role: model.RoleAssistant, Content: "assistant turn"},
		{Role: model.RoleTool, Content: "newer-tool-result-bbbbbbbbbbbbbbbbb"},
	}
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	out, truncated := capTranscript(messages, total-1)
	require.True(t, truncated)
	require.Len(t, out, 4)
	assert.Equal(t, "sys", out[0].Content)
	assert.Equal(t, "user", out[1].Content)
	for _, m := range out {
		assert.NotEqual(t, "oldest-tool-result-aaaaaaaaaaaaaaaa", m.Content)
	}
}

func TestCapTranscript_StopsWhenNoToolMessagesLeftToDrop(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: "sys-very-long-content-aaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		{Role: model.RoleUser, Content: "user-very-long-content-bbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
	}
	out, truncated := capTranscript(messages, 1)
	assert.True(t, truncated)
	assert.Equal(t, messages, out)
}

func TestDecodeArguments_EmptyStringYieldsEmptyMap(t *testing.T) {
	m, err := decodeArguments("")
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestDecodeArguments_InvalidJSON_ReturnsError(t *testing.T) {
	_, err := decodeArguments("{not json")
	assert.Error(t, err)
}

func TestToolResultMessage_EncodesSuccessAndFailureShapes(t *testing.T) {
	ok := toolResultMessage("c1", skills.Result{Success: true, Data: map[string]any{"k": "v"}})
	assert.Equal(t, model.RoleTool, ok.Role)
	assert.Equal(t, "c1", ok.ToolCallID)
	var okPayload map[string]any
	require.NoError(t, json.Unmarshal([]byte(ok.Content), &okPayload))
	assert.Equal(t, true, okPayload["success"])

	failed := toolResultMessage("c2", skills.Result{Success: false, Error: "boom"})
	var failPayload map[string]any
	require.NoError(t, json.Unmarshal([]byte(failed.Content), &failPayload))
	assert.Equal(t, false, failPayload["success"])
	assert.Equal(t, "boom", failPayload["error"])
}
