package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/model"
	"github.com/legalflow/clausereview/reactloop"
	"github.com/legalflow/clausereview/session"
	"github.com/legalflow/clausereview/skills"
	"github.com/legalflow/clausereview/telemetry"
)

type fakeSessions struct {
	records map[string]domain.SessionRecord
}

func newFakeSessions() *fakeSessions { return &fakeSessions{records: make(map[string]domain.SessionRecord)} }

func (f *fakeSessions) SaveSession(ctx context.Context, rec domain.SessionRecord) error {
	existing, ok := f.records[rec.TaskID]
	if ok && rec.Revision != existing.Revision+1 {
		return assertErr("revision conflict")
	}
	if !ok && rec.Revision != 0 {
		return assertErr("revision conflict")
	}
	f.records[rec.TaskID] = rec
	return nil
}

func (f *fakeSessions) LoadSession(ctx context.Context, taskID string) (domain.SessionRecord, error) {
	return f.records[taskID], nil
}

func (f *fakeSessions) UpdateSessionStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	rec := f.records[taskID]
	rec.Status = status
	f.records[taskID] = rec
	return nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeEvents struct {
	events []string
}

func (f *fakeEvents) Publish(ctx context.Context, taskID, eventType string, payload any) {
	f.events = append(f.events, eventType)
}

type fakeClauses struct {
	tree *domain.ClauseTree
}

func (f *fakeClauses) Clauses(ctx context.Context, taskID string) (*domain.ClauseTree, error) {
	return f.tree, nil
}

type fakePlugins struct {
	checklist []domain.ChecklistItem
}

func (f *fakePlugins) Get(id string) (domain.DomainPlugin, error) {
	return domain.DomainPlugin{ID: id, Checklist: f.checklist}, nil
}

func oneClauseTree() *domain.ClauseTree {
	return &domain.ClauseTree{Roots: []*domain.ClauseNode{
		{ClauseID: "14.2", Title: "Advance Payment", Text: "The Advance Payment shall be 10%."},
	}}
}

func baseDeps() (*fakeSessions, *fakeEvents, Deps) {
	sessions := newFakeSessions()
	evs := &fakeEvents{}
	deps := Deps{
		Sessions: sessions,
		Events:   evs,
		Clauses:  &fakeClauses{tree: oneClauseTree()},
		Plugins:  &fakePlugins{checklist: []domain.ChecklistItem{{ClauseID: "14.2", RequiredSkills: []string{}}}},
		Dispatcher: skills.NewDispatcher(skills.NewRegistry(), nil, nil, nil),
		Loop:       reactloop.New(noopModel{}, skills.NewDispatcher(skills.NewRegistry(), nil, nil, nil)),
		Model:      noopModel{},
	}
	return sessions, evs, deps
}

type noopModel struct{}

func (noopModel) Name() string { return "noop" }
func (noopModel) Chat(ctx context.Context, messages []model.Message, opts model.Options) (string, error) {
	return "2 clauses reviewed.", nil
}
func (noopModel) ChatStream(ctx context.Context, messages []model.Message, opts model.Options) (<-chan model.StreamChunk, error) {
	ch := make(chan model.StreamChunk)
	close(ch)
	return ch, nil
}
func (noopModel) ChatWithTools(ctx context.Context, messages []model.Message, tools []model.ToolSchema, opts model.Options) (model.ChatWithToolsResult, error) {
	return model.ChatWithToolsResult{Text: `{"risks":[],"diffs":[],"summary":"ok"}`}, nil
}

func TestNodeClauseValidate_DropsIncompleteDiffWithoutError(t *testing.T) {
	findings := domain.ClauseFindings{ClauseID: "14.2", Diffs: []domain.DocumentDiff{
		{DiffID: "d1", Action: domain.DiffReplace}, // missing original_text/proposed_text
	}}
	out := nodeClauseValidate(context.Background(), telemetry.NewNoopLogger(), "The Advance Payment shall be 10%.", findings)
	assert.Empty(t, out.Diffs)
}

func TestNodeClauseValidate_DropsReplaceWhenOriginalTextNotInClause(t *testing.T) {
	findings := domain.ClauseFindings{ClauseID: "14.2", Diffs: []domain.DocumentDiff{
		{DiffID: "d1", Action: domain.DiffReplace, OriginalText: "not present anywhere", ProposedText: "20%"},
	}}
	out := nodeClauseValidate(context.Background(), telemetry.NewNoopLogger(), "The Advance Payment shall be 10%.", findings)
	assert.Empty(t, out.Diffs)
}

func TestNodeClauseValidate_KeepsValidReplaceDiff(t *testing.T) {
	findings := domain.ClauseFindings{ClauseID: "14.2", Diffs: []domain.DocumentDiff{
		{DiffID: "d1", Action: domain.DiffReplace, OriginalText: "10%", ProposedText: "20%"},
	}}
	out := nodeClauseValidate(context.Background(), telemetry.NewNoopLogger(), "The Advance Payment shall be 10%.", findings)
	require.Len(t, out.Diffs, 1)
	assert.Equal(t, "d1", out.Diffs[0].DiffID)
}

func TestNodeClauseValidate_KeepsValidInsertRegardlessOfClauseText(t *testing.T) {
	findings := domain.ClauseFindings{ClauseID: "14.2", Diffs: []domain.DocumentDiff{
		{DiffID: "d1", Action: domain.DiffInsert, ProposedText: "A new sentence."},
	}}
	out := nodeClauseValidate(context.Background(), telemetry.NewNoopLogger(), "The Advance Payment shall be 10%.", findings)
	require.Len(t, out.Diffs, 1)
}

func TestDedupeDiffs_DropsRepeatOfActionAndOriginalText(t *testing.T) {
	diffs := []domain.DocumentDiff{
		{DiffID: "d1", Action: domain.DiffReplace, OriginalText: "10%", ProposedText: "20%"},
		{DiffID: "d2", Action: domain.DiffReplace, OriginalText: "10%", ProposedText: "30%"},
		{DiffID: "d3", Action: domain.DiffDelete, OriginalText: "10%"},
	}
	out := dedupeDiffs(diffs)
	require.Len(t, out, 2)
	assert.Equal(t, "d1", out[0].DiffID)
	assert.Equal(t, "d3", out[1].DiffID)
}

func TestAllRejected_TrueOnlyWhenNonEmptyAndAllReject(t *testing.T) {
	assert.False(t, allRejected(nil))
	assert.True(t, allRejected([]domain.DocumentDiff{{Status: domain.DiffRejected}}))
	assert.False(t, allRejected([]domain.DocumentDiff{{Status: domain.DiffRejected}, {Status: domain.DiffApproved}}))
}

func TestFlattenClauses_DepthFirstOrder(t *testing.T) {
	tree := &domain.ClauseTree{Roots: []*domain.ClauseNode{
		{ClauseID: "1", Children: []*domain.ClauseNode{{ClauseID: "1.1"}, {ClauseID: "1.2"}}},
		{ClauseID: "2"},
	}}
	flat := flattenClauses(tree)
	ids := make([]string, len(flat))
	for i, n := range flat {
		ids[i] = n.ClauseID
	}
	assert.Equal(t, []string{"1", "1.1", "1.2", "2"}, ids)
}

func TestToSessionRecord_RoundTripsRevisionAndStatus(t *testing.T) {
	state := &domain.GraphState{TaskID: "t1", Status: domain.TaskReviewing, Revision: 3}
	rec := toSessionRecord(state)
	assert.Equal(t, "t1", rec.TaskID)
	assert.Equal(t, domain.TaskReviewing, rec.Status)
	assert.Equal(t, int64(3), rec.Revision)
}

func TestSaveSession_AdvancesRevisionOnSuccess(t *testing.T) {
	sessions, _, deps := baseDeps()
	state := &domain.GraphState{TaskID: "t1"}

	require.NoError(t, saveSession(context.Background(), deps, state))
	assert.Equal(t, int64(1), state.Revision)
	require.NoError(t, saveSession(context.Background(), deps, state))
	assert.Equal(t, int64(2), state.Revision)

	rec, err := sessions.LoadSession(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Revision)
}

// scenarioModel scripts a sequence of model responses: toolResponses feeds
// ChatWithTools (the only path nodeClauseGenerateDiffs's non-streaming Run
// uses for its final answer; nodeClauseAnalyze's streaming path ignores its
// text since RunStreaming always re-requests the final turn over
// ChatStream once ChatWithTools reports no tool calls), streamResponses
// feeds that ChatStream re-request. Both counters clamp to the last entry
// rather than panicking if a scenario calls the model more times than
// scripted.
type scenarioModel struct {
	streamResponses []string
	toolResponses   []string
	streamIdx       int
	toolIdx         int
}

func (m *scenarioModel) Name() string { return "scenario" }

func (m *scenarioModel) Chat(ctx context.Context, messages []model.Message, opts model.Options) (string, error) {
	return `{}`, nil
}

func (m *scenarioModel) ChatWithTools(ctx context.Context, messages []model.Message, tools []model.ToolSchema, opts model.Options) (model.ChatWithToolsResult, error) {
	if len(m.toolResponses) == 0 {
		return model.ChatWithToolsResult{}, nil
	}
	idx := m.toolIdx
	if idx >= len(m.toolResponses) {
		idx = len(m.toolResponses) - 1
	}
	m.toolIdx++
	return model.ChatWithToolsResult{Text: m.toolResponses[idx]}, nil
}

func (m *scenarioModel) ChatStream(ctx context.Context, messages []model.Message, opts model.Options) (<-chan model.StreamChunk, error) {
	idx := m.streamIdx
	if idx >= len(m.streamResponses) {
		idx = len(m.streamResponses) - 1
	}
	m.streamIdx++
	ch := make(chan model.StreamChunk, 1)
	ch <- model.StreamChunk{Text: m.streamResponses[idx]}
	close(ch)
	return ch, nil
}

// scenarioDeps builds Deps wired to model over a fresh dispatcher/loop,
// mirroring baseDeps but with a scripted model instead of noopModel.
func scenarioDeps(model_ *scenarioModel) (*fakeSessions, *fakeEvents, Deps) {
	sessions := newFakeSessions()
	evs := &fakeEvents{}
	dispatcher := skills.NewDispatcher(skills.NewRegistry(), nil, nil, nil)
	deps := Deps{
		Sessions:   sessions,
		Events:     evs,
		Clauses:    &fakeClauses{tree: oneClauseTree()},
		Plugins:    &fakePlugins{checklist: []domain.ChecklistItem{{ClauseID: "14.2", RequiredSkills: []string{}}}},
		Dispatcher: dispatcher,
		Loop:       reactloop.New(model_, dispatcher),
		Model:      model_,
	}
	return sessions, evs, deps
}

// testWorkflowContext is a minimal WorkflowContext for driving runReview
// directly in-process, without a full Engine: ExecuteActivity just calls
// fn, and AwaitSignal blocks on a per-signal-name buffered channel that
// signal() feeds — the same shape inmem.Engine uses, kept local here so
// these tests don't have to depend on the graph/inmem package.
type testWorkflowContext struct {
	ctx context.Context
	id  string

	mu   sync.Mutex
	sigs map[string]chan any
}

func newTestWorkflowContext(ctx context.Context, id string) *testWorkflowContext {
	return &testWorkflowContext{ctx: ctx, id: id, sigs: make(map[string]chan any)}
}

func (c *testWorkflowContext) Context() context.Context { return c.ctx }
func (c *testWorkflowContext) WorkflowID() string        { return c.id }
func (c *testWorkflowContext) Now() time.Time            { return time.Now() }
func (c *testWorkflowContext) Logger() telemetry.Logger   { return telemetry.NewNoopLogger() }
func (c *testWorkflowContext) Metrics() telemetry.Metrics { return telemetry.NewNoopMetrics() }

func (c *testWorkflowContext) ExecuteActivity(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, error) {
	return fn(ctx)
}

func (c *testWorkflowContext) signalChan(name string) chan any {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.sigs[name]
	if !ok {
		ch = make(chan any, 1)
		c.sigs[name] = ch
	}
	return ch
}

func (c *testWorkflowContext) AwaitSignal(ctx context.Context, name string) (any, error) {
	ch := c.signalChan(name)
	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *testWorkflowContext) signal(name string, payload any) {
	c.signalChan(name) <- payload
}

// runScenario drives runReview directly and delivers signals, in order, as
// successive "approval" signals. Delivery order matters: each signal is
// consumed by the next AwaitSignal call the clause loop makes, so signals
// must be passed in the order the scripted rounds expect them, not as a map
// (map iteration order is unspecified).
func runScenario(t *testing.T, deps Deps, taskID string, signals []map[string]domain.DiffStatus) ReviewOutput {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wctx := newTestWorkflowContext(ctx, taskID)

	type outcome struct {
		out ReviewOutput
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := runReview(wctx, deps, ReviewInput{TaskID: taskID, UserID: "u1", DomainID: "construction", Language: "en"})
		done <- outcome{out, err}
	}()

	for _, decisions := range signals {
		wctx.signal("approval", decisions)
	}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		return r.out
	case <-ctx.Done():
		t.Fatal("scenario timed out waiting for runReview to complete")
		return ReviewOutput{}
	}
}

// TestReviewGraph_ScenarioA_HappyPath: the clause produces no diffs, so the
// loop never parks for approval and the task completes in one pass.
func TestReviewGraph_ScenarioA_HappyPath(t *testing.T) {
	model_ := &scenarioModel{
		streamResponses: []string{`{"risks":[],"diffs":[],"summary":"no issues found"}`},
	}
	_, evs, deps := scenarioDeps(model_)

	out := runScenario(t, deps, "task-a", nil)

	assert.True(t, out.Completed)
	assert.NotContains(t, evs.events, "diff_proposed")
	assert.Contains(t, evs.events, "review_completed")
}

// TestReviewGraph_ScenarioB_InterruptAndApprove: the clause proposes one
// diff; the workflow parks at human_approval and resumes once signaled with
// an approval decision.
func TestReviewGraph_ScenarioB_InterruptAndApprove(t *testing.T) {
	diffJSON := `{"risks":[],"diffs":[{"diff_id":"d0","clause_id":"14.2","action":"replace",` +
		`"original_text":"10%","proposed_text":"20%","reason":"advance payment too low","risk_level":"medium","status":"pending"}],` +
		`"summary":"one change proposed"}`
	model_ := &scenarioModel{streamResponses: []string{diffJSON}}
	sessions, evs, deps := scenarioDeps(model_)

	out := runScenario(t, deps, "task-b", []map[string]domain.DiffStatus{
		{"d0": domain.DiffApproved},
	})

	assert.True(t, out.Completed)
	assert.Contains(t, evs.events, "diff_proposed")

	rec, err := sessions.LoadSession(context.Background(), "task-b")
	require.NoError(t, err)
	state, err := session.DecodeGraphState(rec)
	require.NoError(t, err)
	findings, ok := state.Findings["14.2"]
	require.True(t, ok)
	require.Len(t, findings.Diffs, 1)
	assert.Equal(t, domain.DiffApproved, findings.Diffs[0].Status)
}

// TestReviewGraph_ScenarioC_AllRejectedRegeneration: every round's diffs are
// rejected; clause_generate_diffs re-runs until MaxRegenerationRounds is
// exhausted, at which point the clause still reaches save_clause (with
// rejected diffs and a RegenerationExhausted error event) instead of
// failing the task.
func TestReviewGraph_ScenarioC_AllRejectedRegeneration(t *testing.T) {
	diffJSON := func(id string) string {
		return `{"risks":[],"diffs":[{"diff_id":"` + id + `","clause_id":"14.2","action":"replace",` +
			`"original_text":"10%","proposed_text":"20%","reason":"still too low","risk_level":"medium","status":"pending"}],` +
			`"summary":"proposal round"}`
	}
	model_ := &scenarioModel{
		streamResponses: []string{diffJSON("d0")},
		toolResponses:   []string{"", diffJSON("d1"), diffJSON("d2")},
	}
	_, evs, deps := scenarioDeps(model_)

	out := runScenario(t, deps, "task-c", []map[string]domain.DiffStatus{
		{"d0": domain.DiffRejected},
		{"d1": domain.DiffRejected},
		{"d2": domain.DiffRejected},
	})

	assert.True(t, out.Completed, "regeneration exhaustion must not fail the task")
	assert.Contains(t, evs.events, "error")
	assert.Contains(t, evs.events, "review_completed")
}
