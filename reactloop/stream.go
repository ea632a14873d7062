package reactloop

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/model"
	"github.com/legalflow/clausereview/skills"
	"github.com/legalflow/clausereview/streamparse"
)

// StreamCallbacks receives incremental signals while RunStreaming consumes
// the model's final-turn token stream. Either field may be nil.
type StreamCallbacks struct {
	// OnRisk fires once per completed risk object as it appears in the
	// stream, before the full response has finished generating.
	OnRisk func(json.RawMessage)
	// OnReconciled fires when the full-document parse at stream end
	// disagrees with what was emitted incrementally, per
	// streamparse.FinalResult.Reconciled.
	OnReconciled func()
}

// RunStreaming behaves like Run, except once the model signals it has no
// further tool calls, the final synthesis turn is re-requested over the
// streaming API and fed through an incremental parser so callers can
// surface risks as they are generated instead of waiting for the full
// response. Tool-calling iterations are unaffected.
func (l *Loop) RunStreaming(ctx context.Context, systemPrompt, clauseContext string, toolDefs []skills.ToolDefinition, cb StreamCallbacks) (Result, error) {
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
			return l.streamFinalResponse(ctx, messages, iter, skillContext, truncated, cb)
		}

		messages = append(messages, model.Message{Role: model.RoleAssistant, Content: out.Text})
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
				skillContext[call.Name] = res.Data
			}
			messages = append(messages, toolResultMessage(call.ID, res))
			l.metrics.IncCounter("reactloop.tool_call", 1, "skill", call.Name)
		}
	}

	return Result{SkillContext: skillContext, Iterations: l.maxIterations, Truncated: truncated},
		apperr.New(apperr.KindInternal, "reactloop: exhausted iterations without a final response")
}

// streamFinalResponse re-requests the final turn over ChatStream, feeding
// each chunk through a streamparse.Parser so risk objects can be surfaced
// as soon as they complete, then reconciles against a full parse of the
// assembled text once the stream ends.
func (l *Loop) streamFinalResponse(ctx context.Context, messages []model.Message, iter int, skillContext map[string]map[string]any, truncated bool, cb StreamCallbacks) (Result, error) {
	chunks, err := l.client.ChatStream(ctx, messages, model.Options{})
	if err != nil {
		return Result{SkillContext: skillContext, Iterations: iter, Truncated: truncated}, err
	}

	parser := streamparse.New()
	var full strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return Result{SkillContext: skillContext, Iterations: iter, Truncated: truncated},
				apperr.Wrap(apperr.KindStreamInterrupted, "reactloop: model stream failed", chunk.Err)
		}
		full.WriteString(chunk.Text)
		risks, perr := parser.Feed(chunk.Text)
		if perr != nil {
			l.logger.Warn(ctx, "reactloop: stream buffer exceeded cap, falling back to full-parse reconciliation", "error", perr.Error())
			break
		}
		if cb.OnRisk != nil {
			for _, r := range risks {
				cb.OnRisk(r)
			}
		}
	}

	finalized := parser.Finalize()
	if finalized.Reconciled && cb.OnReconciled != nil {
		cb.OnReconciled()
	}

	resp, perr := parseFinalResponse(full.String())
	if perr != nil {
		l.logger.Warn(ctx, "reactloop: defensive parse failed on streamed response", "error", perr.Error())
		resp = finalResponse{}
	}
	if len(finalized.Risks) > 0 {
		resp.Risks = decodeRisks(finalized.Risks)
	}

	return Result{Findings: resp, SkillContext: skillContext, Iterations: iter, Truncated: truncated}, nil
}

func decodeRisks(raw []json.RawMessage) []domain.RiskPoint {
	out := make([]domain.RiskPoint, 0, len(raw))
	for _, r := range raw {
		var point domain.RiskPoint
		if err := json.Unmarshal(r, &point); err != nil {
			continue
		}
		out = append(out, point)
	}
	return out
}
