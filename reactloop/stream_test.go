package reactloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/model"
)

// multiChunkClient never requests tools and serves a streamed final turn in
// the given chunks, in order, over a single ChatStream call.
type multiChunkClient struct {
	chunks []string
}

func (c *multiChunkClient) Name() string { return "multi-chunk" }

func (c *multiChunkClient) Chat(ctx context.Context, messages []model.Message, opts model.Options) (string, error) {
	return "", nil
}

func (c *multiChunkClient) ChatWithTools(ctx context.Context, messages []model.Message, tools []model.ToolSchema, opts model.Options) (model.ChatWithToolsResult, error) {
	return model.ChatWithToolsResult{}, nil
}

func (c *multiChunkClient) ChatStream(ctx context.Context, messages []model.Message, opts model.Options) (<-chan model.StreamChunk, error) {
	ch := make(chan model.StreamChunk, len(c.chunks))
	for _, text := range c.chunks {
		ch <- model.StreamChunk{Text: text}
	}
	close(ch)
	return ch, nil
}

func TestRunStreaming_EmitsOnRiskPerCompletedObject(t *testing.T) {
	full := `{"risks":[{"risk_level":"high","type":"indemnity"}, {"risk_level":"low","type":"liability"}],"summary":"ok"}`
	chunks := make([]string, 0, len(full)/8+1)
	for i := 0; i < len(full); i += 8 {
		end := i + 8
		if end > len(full) {
			end = len(full)
		}
		chunks = append(chunks, full[i:end])
	}
	client := &multiChunkClient{chunks: chunks}
	l := New(client, echoDispatcher(t))

	var onRiskCount int
	var reconciled bool
	res, err := l.RunStreaming(context.Background(), "system", "clause context", nil, StreamCallbacks{
		OnRisk:       func(json.RawMessage) { onRiskCount++ },
		OnReconciled: func() { reconciled = true },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, onRiskCount)
	assert.False(t, reconciled)
	assert.Equal(t, "ok", res.Findings.Summary)
	require.Len(t, res.Findings.Risks, 2)
}

func TestRunStreaming_ReconciledWhenFullParseDisagreesWithIncremental(t *testing.T) {
	// The incremental scanner tracks only curly-brace depth, so a bare
	// non-object array element inside "risks" (here [9,9]) reads as
	// depth-0 and the scanner mistakes its closing ']' for the end of the
	// whole risks array, stopping one element short. The full-document
	// parse at stream end sees all three elements and wins.
	full := `{"risks":[{"a":1}, [9,9], {"b":2}],"summary":"s"}`
	client := &multiChunkClient{chunks: []string{full}}
	l := New(client, echoDispatcher(t))

	var reconciled bool
	_, err := l.RunStreaming(context.Background(), "system", "clause context", nil, StreamCallbacks{
		OnReconciled: func() { reconciled = true },
	})
	require.NoError(t, err)
	assert.True(t, reconciled)
}

func TestRunStreaming_ToolCallsDispatchedBeforeStreamedFinalTurn(t *testing.T) {
	client := &toolThenStreamClient{
		toolTurn:   model.ChatWithToolsResult{Text: "calling", ToolCalls: []model.ToolCall{{ID: "c1", Name: "echo.tool", Arguments: `{"value":"x"}`}}},
		streamText: `{"summary":"streamed final"}`,
	}
	l := New(client, echoDispatcher(t))
	res, err := l.RunStreaming(context.Background(), "system", "clause context", echoToolDefs(), StreamCallbacks{})
	require.NoError(t, err)
	assert.Equal(t, "streamed final", res.Findings.Summary)
	require.Contains(t, res.SkillContext, "echo.tool")
	assert.Equal(t, "x", res.SkillContext["echo.tool"]["value"])
}

// toolThenStreamClient returns one tool-calling ChatWithTools turn, then an
// empty-tool-calls turn, then serves the final response over ChatStream.
type toolThenStreamClient struct {
	toolTurn   model.ChatWithToolsResult
	streamText string
	served     bool
}

func (c *toolThenStreamClient) Name() string { return "tool-then-stream" }

func (c *toolThenStreamClient) Chat(ctx context.Context, messages []model.Message, opts model.Options) (string, error) {
	return "", nil
}

func (c *toolThenStreamClient) ChatWithTools(ctx context.Context, messages []model.Message, tools []model.ToolSchema, opts model.Options) (model.ChatWithToolsResult, error) {
	if !c.served {
		c.served = true
		return c.toolTurn, nil
	}
	return model.ChatWithToolsResult{}, nil
}

func (c *toolThenStreamClient) ChatStream(ctx context.Context, messages []model.Message, opts model.Options) (<-chan model.StreamChunk, error) {
	ch := make(chan model.StreamChunk, 1)
	ch <- model.StreamChunk{Text: c.streamText}
	close(ch)
	return ch, nil
}

func TestRunStreaming_StreamError_WrapsAsStreamInterrupted(t *testing.T) {
	client := &erroringStreamClient{}
	l := New(client, echoDispatcher(t))
	_, err := l.RunStreaming(context.Background(), "system", "clause context", nil, StreamCallbacks{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindStreamInterrupted, apperr.KindOf(err))
}

type erroringStreamClient struct{}

func (erroringStreamClient) Name() string { return "erroring" }

func (erroringStreamClient) Chat(ctx context.Context, messages []model.Message, opts model.Options) (string, error) {
	return "", nil
}

func (erroringStreamClient) ChatWithTools(ctx context.Context, messages []model.Message, tools []model.ToolSchema, opts model.Options) (model.ChatWithToolsResult, error) {
	return model.ChatWithToolsResult{}, nil
}

func (erroringStreamClient) ChatStream(ctx context.Context, messages []model.Message, opts model.Options) (<-chan model.StreamChunk, error) {
	ch := make(chan model.StreamChunk, 1)
	ch <- model.StreamChunk{Err: assertableErr{}}
	close(ch)
	return ch, nil
}

type assertableErr struct{}

func (assertableErr) Error() string { return "stream broke" }
