package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/events"
	"github.com/legalflow/clausereview/model"
	"github.com/legalflow/clausereview/reactloop"
	"github.com/legalflow/clausereview/session"
	"github.com/legalflow/clausereview/skills"
	"github.com/legalflow/clausereview/structure"
	"github.com/legalflow/clausereview/telemetry"
)

// MaxRegenerationRounds bounds how many times clause_generate_diffs may be
// re-entered for a single clause after an all-reject human decision; once
// the cap is reached a RegenerationExhausted error event is published and
// the clause proceeds to save_clause with its diffs rejected.
const MaxRegenerationRounds = 2

// WorkflowName is the logical name the review graph registers under.
const WorkflowName = "ReviewGraph"

type (
	// SessionStore is the subset of the Session Store contract the review
	// graph checkpoints against. Concrete backends live in package session.
	SessionStore interface {
		SaveSession(ctx context.Context, rec domain.SessionRecord) error
		LoadSession(ctx context.Context, taskID string) (domain.SessionRecord, error)
		UpdateSessionStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
	}

	// EventPublisher fans out review progress to the SSE Event Bus. Concrete
	// implementations live in package events.
	EventPublisher interface {
		Publish(ctx context.Context, taskID, eventType string, payload any)
	}

	// ClauseProvider resolves the parsed clause tree for a task's primary
	// document, produced by the Structure Parser ahead of the graph run.
	ClauseProvider interface {
		Clauses(ctx context.Context, taskID string) (*domain.ClauseTree, error)
	}

	// PluginResolver resolves the domain plugin (and therefore the checklist)
	// a task runs against, keeping per-domain wiring out of the engine's
	// registration step since one workflow definition serves every domain.
	PluginResolver interface {
		Get(id string) (domain.DomainPlugin, error)
	}

	// Deps bundles everything the review graph's node functions call into.
	Deps struct {
		Sessions   SessionStore
		Events     EventPublisher
		Clauses    ClauseProvider
		Plugins    PluginResolver
		Dispatcher *skills.Dispatcher
		Loop       *reactloop.Loop
		Model      model.Client
	}

	// ReviewInput is the workflow input for one task.
	ReviewInput struct {
		TaskID   string
		UserID   string
		DomainID string
		Language string
	}

	// ReviewOutput is the workflow's terminal result.
	ReviewOutput struct {
		TaskID       string
		Completed    bool
		SummaryNotes string
	}
)

// NewWorkflowFunc closes over deps and returns the WorkflowFunc the engine
// registers and runs. The graph is expressed as a single function rather
// than as engine-visible named nodes because every node shares the same
// GraphState and the in-process engine executes it as one logical unit of
// work; "nodes" below are the named phases called out by
// the spec, expressed as ordinary Go functions within runReview.
func NewWorkflowFunc(deps Deps) WorkflowFunc {
	return func(wctx WorkflowContext, rawInput any) (any, error) {
		input, ok := rawInput.(ReviewInput)
		if !ok {
			return nil, apperr.New(apperr.KindInvalidInput, "review graph: unexpected input type")
		}
		return runReview(wctx, deps, input)
	}
}

func runReview(wctx WorkflowContext, deps Deps, input ReviewInput) (ReviewOutput, error) {
	ctx := wctx.Context()
	state, err := nodeInit(ctx, deps, input)
	if err != nil {
		return ReviewOutput{}, err
	}

	tree, err := deps.Clauses.Clauses(ctx, input.TaskID)
	if err != nil {
		return ReviewOutput{}, err
	}
	flat := flattenClauses(tree)
	nodeSupplementDefinitions(ctx, deps, wctx.Logger(), tree, flat)

	state.Status = domain.TaskReviewing
	for state.CurrentClauseIndex < len(flat) {
		clause := flat[state.CurrentClauseIndex]
		deps.Events.Publish(ctx, input.TaskID, "review_progress", map[string]any{
			"clause_id": clause.ClauseID, "index": state.CurrentClauseIndex, "total": len(flat),
		})

		clauseCtx := nodeClauseContext(clause, tree, state.Checklist)

		findings, err := nodeClauseAnalyze(ctx, deps, input.TaskID, state.Checklist, clause.ClauseID, clauseCtx)
		if err != nil {
			return ReviewOutput{}, err
		}

		for round := 0; ; round++ {
			findings = nodeClauseValidate(ctx, wctx.Logger(), clause.Text, findings)

			if len(findings.Diffs) == 0 {
				break // nothing pending approval; proceed straight to save
			}

			state.PendingDiffs = findings.Diffs
			state.Status = domain.TaskAwaitingApproval
			if err := saveSession(ctx, deps, state); err != nil {
				return ReviewOutput{}, err
			}
			deps.Events.Publish(ctx, input.TaskID, "diff_proposed", findings.Diffs)

			decisions, err := nodeHumanApproval(wctx, input.TaskID, findings.Diffs)
			if err != nil {
				return ReviewOutput{}, err
			}
			for i := range findings.Diffs {
				if d, ok := decisions[findings.Diffs[i].DiffID]; ok {
					findings.Diffs[i].Status = d
				}
			}

			state.Status = domain.TaskReviewing
			state.PendingDiffs = nil

			if !allRejected(findings.Diffs) {
				break // routing law: anything but all-reject proceeds to save_clause
			}
			if round >= MaxRegenerationRounds {
				// Regeneration cap exhausted: this is a structured error
				// event, not a fatal task failure — the clause still
				// proceeds to save_clause with zero approved diffs.
				regenErr := apperr.New(apperr.KindRegenerationExhausted,
					fmt.Sprintf("clause %s: exhausted %d regeneration rounds", clause.ClauseID, MaxRegenerationRounds))
				deps.Events.Publish(ctx, input.TaskID, "error", map[string]any{"clause_id": clause.ClauseID, "error": regenErr.Error()})
				for i := range findings.Diffs {
					findings.Diffs[i].Status = domain.DiffRejected
				}
				break
			}
			state.RegenerationRounds++
			findings, err = nodeClauseGenerateDiffs(ctx, deps, state.Checklist, clause.ClauseID, clauseCtx, findings)
			if err != nil {
				return ReviewOutput{}, err
			}
		}

		state.RegenerationRounds = 0
		state = nodeSaveClause(state, findings)
		if err := saveSession(ctx, deps, state); err != nil {
			return ReviewOutput{}, err
		}
		deps.Events.Publish(ctx, input.TaskID, "doc_update", findings)
	}

	summary, err := nodeSummarize(ctx, deps, state)
	if err != nil {
		return ReviewOutput{}, err
	}
	state.IsComplete = true
	state.Status = domain.TaskCompleted
	state.SummaryNotes = summary
	if err := saveSession(ctx, deps, state); err != nil {
		return ReviewOutput{}, err
	}
	deps.Events.Publish(ctx, input.TaskID, "review_completed", summary)

	return ReviewOutput{TaskID: input.TaskID, Completed: true, SummaryNotes: summary}, nil
}

func nodeInit(ctx context.Context, deps Deps, input ReviewInput) (*domain.GraphState, error) {
	plugin, err := deps.Plugins.Get(input.DomainID)
	if err != nil {
		return nil, err
	}
	state := &domain.GraphState{
		TaskID:    input.TaskID,
		UserID:    input.UserID,
		DomainID:  input.DomainID,
		Language:  input.Language,
		Checklist: plugin.Checklist,
		Findings:  make(map[string]domain.ClauseFindings),
		Status:    domain.TaskReady,
	}
	if err := saveSession(ctx, deps, state); err != nil {
		return nil, err
	}
	return state, nil
}

func nodeClauseContext(clause *domain.ClauseNode, tree *domain.ClauseTree, checklist []domain.ChecklistItem) string {
	refs := tree.CrossReferences[clause.ClauseID]
	return fmt.Sprintf("Clause %s: %s\n\n%s\n\ncross-references: %v\nchecklist items: %d",
		clause.ClauseID, clause.Title, clause.Text, refs, len(checklist))
}

// nodeSupplementDefinitions runs the model-supplemented half of the
// Structure Parser's regex-first then model-supplemented hybrid extraction
// (spec §4.4): it asks the Model Adapter to surface any defined terms the
// regex pass missed (loosely formatted definitions that don't match the
// `"Term" means ...` pattern), then merges them into tree.Definitions
// without overwriting any regex-extracted term. Best-effort: a model
// failure here never fails the task, it just leaves tree.Definitions as the
// regex pass alone produced.
func nodeSupplementDefinitions(ctx context.Context, deps Deps, logger telemetry.Logger, tree *domain.ClauseTree, flat []*domain.ClauseNode) {
	if deps.Model == nil {
		return
	}
	var sb strings.Builder
	for _, c := range flat {
		sb.WriteString(c.Text)
		sb.WriteString("\n")
	}

	text, err := deps.Model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: "Identify defined terms in this contract that are not already in plain " +
			`"Term" means ... form. Respond with a single JSON object mapping each term to its definition, or {} if none.`},
		{Role: model.RoleUser, Content: sb.String()},
	}, model.Options{})
	if err != nil {
		logger.Warn(ctx, "structure: model-supplemented definition extraction failed", "error", err.Error())
		return
	}

	modelDefs, err := extractDefinitionsObject(text)
	if err != nil {
		logger.Warn(ctx, "structure: model-supplemented definitions were not valid JSON", "error", err.Error())
		return
	}
	structure.MergeModelDefinitions(tree.Definitions, modelDefs)
}

// extractDefinitionsObject defensively extracts a term->definition JSON
// object from free-form model text, same fallback as reactloop's
// parseFinalResponse: direct unmarshal first, then the first balanced
// {...} span.
func extractDefinitionsObject(text string) (map[string]string, error) {
	var out map[string]string
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, apperr.New(apperr.KindInvalidInput, "no JSON object found in model response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "malformed definitions JSON", err)
	}
	return out, nil
}

func nodeClauseAnalyze(ctx context.Context, deps Deps, taskID string, checklist []domain.ChecklistItem, clauseID, clauseCtx string) (domain.ClauseFindings, error) {
	toolDefs := deps.Dispatcher.ToolDefinitionsForChecklist(checklist)

	var result reactloop.Result
	var err error
	if deps.Events != nil {
		cb := reactloop.StreamCallbacks{
			OnRisk: func(raw json.RawMessage) {
				deps.Events.Publish(ctx, taskID, events.TypeMessageDelta, map[string]any{"clause_id": clauseID, "risk": raw})
			},
			OnReconciled: func() {
				deps.Events.Publish(ctx, taskID, events.TypeStreamReconciled, map[string]any{"clause_id": clauseID})
			},
		}
		result, err = deps.Loop.RunStreaming(ctx, systemPromptForAnalysis(), clauseCtx, toolDefs, cb)
	} else {
		result, err = deps.Loop.Run(ctx, systemPromptForAnalysis(), clauseCtx, toolDefs)
	}
	if err != nil {
		// Best-effort findings still surface to clause_validate; a loop
		// timeout is not fatal to the whole review, only to this clause's
		// automation — the human still sees whatever was gathered.
		return domain.ClauseFindings{ClauseID: clauseID, SkillContext: flattenSkillContext(result.SkillContext)}, nil
	}
	return domain.ClauseFindings{
		ClauseID:     clauseID,
		Risks:        result.Findings.Risks,
		Diffs:        dedupeDiffs(result.Findings.Diffs),
		SkillContext: flattenSkillContext(result.SkillContext),
	}, nil
}

func nodeClauseGenerateDiffs(ctx context.Context, deps Deps, checklist []domain.ChecklistItem, clauseID, clauseCtx string, prior domain.ClauseFindings) (domain.ClauseFindings, error) {
	regenPrompt := clauseCtx + "\n\nThe human rejected every previously proposed diff; propose a different set of changes."
	toolDefs := deps.Dispatcher.ToolDefinitionsForChecklist(checklist)
	result, err := deps.Loop.Run(ctx, systemPromptForAnalysis(), regenPrompt, toolDefs)
	if err != nil {
		return prior, err
	}
	return domain.ClauseFindings{
		ClauseID:     clauseID,
		Risks:        result.Findings.Risks,
		Diffs:        dedupeDiffs(result.Findings.Diffs),
		SkillContext: flattenSkillContext(result.SkillContext),
	}, nil
}

// nodeClauseValidate sanity-checks each proposed diff against clauseText:
// field completeness (DocumentDiff.Validate) and, for replace/delete, that
// OriginalText actually occurs in the clause. Diffs that fail either check
// are dropped with a logged reason rather than failing the clause — per the
// propagation policy, only provider unavailability, oversize streams, and
// explicit cancellation move a task to failed.
func nodeClauseValidate(ctx context.Context, logger telemetry.Logger, clauseText string, findings domain.ClauseFindings) domain.ClauseFindings {
	kept := findings.Diffs[:0]
	for _, d := range findings.Diffs {
		if err := d.Validate(); err != nil {
			logger.Warn(ctx, "clause_validate: dropping diff", "clause_id", findings.ClauseID, "diff_id", d.DiffID, "reason", err.Error())
			continue
		}
		if (d.Action == domain.DiffReplace || d.Action == domain.DiffDelete) && !strings.Contains(clauseText, d.OriginalText) {
			logger.Warn(ctx, "clause_validate: dropping diff", "clause_id", findings.ClauseID, "diff_id", d.DiffID,
				"reason", "original_text not found in clause text")
			continue
		}
		kept = append(kept, d)
	}
	findings.Diffs = kept
	return findings
}

// dedupeDiffs drops later diffs that repeat an earlier one's (action,
// original_text) pair, preserving first-seen order.
func dedupeDiffs(diffs []domain.DocumentDiff) []domain.DocumentDiff {
	seen := make(map[string]struct{}, len(diffs))
	out := make([]domain.DocumentDiff, 0, len(diffs))
	for _, d := range diffs {
		key := string(d.Action) + "\x00" + d.OriginalText
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

// nodeHumanApproval parks the workflow awaiting an "approval" signal
// carrying the human's per-diff decisions. Resume is only valid once every
// pending diff has a decision (enforced by the approval package at the API
// boundary); this node simply blocks until the signal arrives.
func nodeHumanApproval(wctx WorkflowContext, taskID string, diffs []domain.DocumentDiff) (map[string]domain.DiffStatus, error) {
	payload, err := wctx.AwaitSignal(wctx.Context(), "approval")
	if err != nil {
		return nil, err
	}
	decisions, _ := payload.(map[string]domain.DiffStatus)
	return decisions, nil
}

func nodeSaveClause(state *domain.GraphState, findings domain.ClauseFindings) *domain.GraphState {
	state.Findings[findings.ClauseID] = findings
	state.CurrentClauseIndex++
	return state
}

func nodeSummarize(ctx context.Context, deps Deps, state *domain.GraphState) (string, error) {
	var highRisk int
	for _, f := range state.Findings {
		for _, r := range f.Risks {
			if r.Level == domain.RiskHigh {
				highRisk++
			}
		}
	}
	text, err := deps.Model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: "Summarize the contract review in two sentences for a non-lawyer."},
		{Role: model.RoleUser, Content: fmt.Sprintf("%d clauses reviewed, %d high-risk findings.", len(state.Findings), highRisk)},
	}, model.Options{})
	if err != nil {
		return fmt.Sprintf("%d clauses reviewed, %d high-risk findings.", len(state.Findings), highRisk), nil
	}
	return text, nil
}

func allRejected(diffs []domain.DocumentDiff) bool {
	for _, d := range diffs {
		if d.Status != domain.DiffRejected {
			return false
		}
	}
	return len(diffs) > 0
}

func flattenClauses(tree *domain.ClauseTree) []*domain.ClauseNode {
	var out []*domain.ClauseNode
	var walk func([]*domain.ClauseNode)
	walk = func(nodes []*domain.ClauseNode) {
		for _, n := range nodes {
			out = append(out, n)
			walk(n.Children)
		}
	}
	walk(tree.Roots)
	return out
}

func flattenSkillContext(m map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func systemPromptForAnalysis() string {
	return "You are reviewing one clause of a contract against a domain checklist. " +
		"Use the available tools to assess risk, then respond with a single JSON object " +
		`{"risks":[...],"diffs":[...],"summary":"..."}.`
}

// saveSession persists the checkpoint at state's current revision, then
// advances the local counter to the revision the next write must carry —
// the store's conditional-write protocol requires each write to name the
// stored revision plus one (0 for the first write).
func saveSession(ctx context.Context, deps Deps, state *domain.GraphState) error {
	if err := deps.Sessions.SaveSession(ctx, toSessionRecord(state)); err != nil {
		return err
	}
	state.Revision++
	return nil
}

func toSessionRecord(state *domain.GraphState) domain.SessionRecord {
	raw, compressed, err := session.PrepareGraphState(state)
	if err != nil {
		raw, compressed = nil, false
	}
	return domain.SessionRecord{
		TaskID:     state.TaskID,
		UserID:     state.UserID,
		DomainID:   state.DomainID,
		Status:     state.Status,
		IsComplete: state.IsComplete,
		GraphState: raw,
		Compressed: compressed,
		Revision:   state.Revision,
	}
}
