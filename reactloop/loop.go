// Package reactloop implements the bounded ReAct (reason-act) loop that
// drives clause analysis: the model is given a clause's context and a set
// of callable skills, and alternates between tool calls and reasoning until
// it emits a final structured response or the iteration budget is
// exhausted.
package reactloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/model"
	"github.com/legalflow/clausereview/skills"
	"github.com/legalflow/clausereview/telemetry"
)

// DefaultMaxIterations bounds the number of tool-call/reason cycles per
// clause when a Loop is not given an explicit override.
const DefaultMaxIterations = 3

// DefaultTranscriptCap bounds the total byte length of the conversation
// transcript handed back to the model each iteration. Once exceeded, the
// oldest tool result messages are dropped first; the system prompt and the
// most recent user/assistant turns are never truncated.
const DefaultTranscriptCap = 24000

// Result is the outcome of running the loop to completion for a single
// clause.
type Result struct {
	Findings     finalResponse
	SkillContext map[string]map[string]any
	Iterations   int
	Truncated    bool
}

// finalResponse is the defensively-parsed shape of the model's terminal
// (non-tool-call) response. Unknown fields are ignored by encoding/json.
type finalResponse struct {
	Risks   []domain.RiskPoint   `json:"risks"`
	Diffs   []domain.DocumentDiff `json:"diffs"`
	Summary string                `json:"summary"`
}

// Loop executes the bounded tool-call/reason cycle for one clause.
type Loop struct {
	client        model.Client
	dispatcher    *skills.Dispatcher
	maxIterations int
	transcriptCap int
	logger        telemetry.Logger
	metrics       telemetry.Metrics
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxIterations overrides DefaultMaxIterations.
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithTranscriptCap overrides DefaultTranscriptCap.
func WithTranscriptCap(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.transcriptCap = n
		}
	}
}

// WithTelemetry attaches a logger/metrics pair; either may be nil.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
		if metrics != nil {
			l.metrics = metrics
		}
	}
}

// New builds a Loop over client and dispatcher.
func New(client model.Client, dispatcher *skills.Dispatcher, opts ...Option) *Loop {
	l := &Loop{
		client:        client,
		dispatcher:    dispatcher,
		maxIterations: DefaultMaxIterations,
		transcriptCap: DefaultTranscriptCap,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run drives the loop starting from the given system prompt and clause
// context, exposing tools to the model. It returns once the model produces
// a final (non-tool-call) response or the iteration budget is exhausted; in
// the latter case it returns the best-effort skill context gathered so far
// along with a KindInternal error so callers can decide
// whether to surface it to the clause_validate / human_approval stages.
func (l *Loop) Run(ctx context.Context, systemPrompt, clauseContext string, toolDefs []skills.ToolDefinition) (Result, error) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: systemPrompt},
		{Role: model.RoleUser, Content: clauseContext},
	}
	tools := toToolSchemas(toolDefs)
	skillContext := make(map[string]map[string]any)

	truncated := false
	for iter := 1; iter <= l.maxIterations; iter++ {
		var didTruncate bool
		messages, didTruncate = capTranscript(messages, l.transcriptCap)
		truncated = truncated || didTruncate

		out, err := l.client.ChatWithTools(ctx, messages, tools, model.Options{})
		if err != nil {
			return Result{SkillContext: skillContext, Iterations: iter}, err
		}

		if len(out.ToolCalls) == 0 {
			resp, perr := parseFinalResponse(out.Text)
			if perr != nil {
				l.logger.Warn(ctx, "reactloop: defensive parse failed, returning empty findings", "error", perr.Error())
				resp = finalResponse{}
			}
			return Result{Findings: resp, SkillContext: skillContext, Iterations: iter, Truncated: truncated}, nil
		}

		messages = append(messages, model.Message{Role: model.RoleAssistant, Content: out.Text})

		// Execute tool calls strictly in the order the model returned them;
		// later calls in the same turn see earlier results only through the
		// messages appended below on the next iteration, never concurrently.
		for _, call := range out.ToolCalls {
			input, err := decodeArguments(call.Arguments)
			if err != nil {
				messages = append(messages, toolResultMessage(call.ID, skills.Result{Success: false, Error: "invalid arguments: " + err.Error()}))
				continue
			}
			res, err := l.dispatcher.Dispatch(ctx, call.Name, input)
			if err != nil {
				messages = append(messages, toolResultMessage(call.ID, skills.Result{Success: false, Error: err.Error()}))
				continue
			}
			if res.Success {
				skillContext[call.Name] = res.Data // latest wins
			}
			messages = append(messages, toolResultMessage(call.ID, res))
			l.metrics.IncCounter("reactloop.tool_call", 1, "skill", call.Name)
		}
	}

	return Result{SkillContext: skillContext, Iterations: l.maxIterations, Truncated: truncated},
		apperr.New(apperr.KindInternal, fmt.Sprintf("reactloop: exhausted %d iterations without a final response", l.maxIterations))
}

func toToolSchemas(defs []skills.ToolDefinition) []model.ToolSchema {
	out := make([]model.ToolSchema, len(defs))
	for i, d := range defs {
		var params model.ToolParameters
		_ = json.Unmarshal(d.InputSchema, &params)
		out[i] = model.ToolSchema{Name: d.Name, Description: d.Description, Parameters: params}
	}
	return out
}

func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toolResultMessage(toolCallID string, res skills.Result) model.Message {
	payload := map[string]any{"success": res.Success}
	if res.Success {
		payload["data"] = res.Data
	} else {
		payload["error"] = res.Error
	}
	body, _ := json.Marshal(payload)
	return model.Message{Role: model.RoleTool, Content: string(body), ToolCallID: toolCallID}
}

// parseFinalResponse defensively extracts a finalResponse from free-form
// model text: it tries a direct unmarshal first, then falls back to the
// first balanced {...} span in the text (models routinely wrap JSON in
// prose or code fences).
func parseFinalResponse(text string) (finalResponse, error) {
	var resp finalResponse
	if err := json.Unmarshal([]byte(text), &resp); err == nil {
		return resp, nil
	}
	start := indexByte(text, '{')
	end := lastIndexByte(text, '}')
	if start < 0 || end <= start {
		return finalResponse{}, apperr.New(apperr.KindInvalidInput, "no JSON object found in model response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return finalResponse{}, apperr.Wrap(apperr.KindInvalidInput, "malformed final response JSON", err)
	}
	return resp, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// capTranscript drops the oldest tool-result messages (role "tool") until
// the total content length is within cap, always keeping the leading system
// and initial user message plus the most recent turns intact.
func capTranscript(messages []model.Message, cap int) ([]model.Message, bool) {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	if total <= cap {
		return messages, false
	}
	out := make([]model.Message, len(messages))
	copy(out, messages)
	for total > cap {
		dropped := false
		for i := 2; i < len(out); i++ { // preserve index 0 (system) and 1 (initial user)
			if out[i].Role == model.RoleTool {
				total -= len(out[i].Content)
				out = append(out[:i], out[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			break
		}
	}
	return out, true
}
