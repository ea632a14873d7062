package taskapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/approval"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/domainplugin"
	"github.com/legalflow/clausereview/graph/inmem"
	"github.com/legalflow/clausereview/model"
	"github.com/legalflow/clausereview/reactloop"
	"github.com/legalflow/clausereview/session"
	"github.com/legalflow/clausereview/skills"
)

// fakeSessionStore is a minimal in-memory session.Store for tests.
type fakeSessionStore struct {
	records map[string]domain.SessionRecord
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{records: make(map[string]domain.SessionRecord)}
}

func (f *fakeSessionStore) SaveSession(ctx context.Context, rec domain.SessionRecord) error {
	f.records[rec.TaskID] = rec
	return nil
}

func (f *fakeSessionStore) LoadSession(ctx context.Context, taskID string) (domain.SessionRecord, error) {
	rec, ok := f.records[taskID]
	if !ok {
		return domain.SessionRecord{}, apperr.ErrSessionNotFound
	}
	return rec, nil
}

func (f *fakeSessionStore) UpdateSessionStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	rec := f.records[taskID]
	rec.Status = status
	f.records[taskID] = rec
	return nil
}

// fakeEventPublisher discards every event; tests only inspect task/graph
// state through the Manager and Session Store, never through events.
type fakeEventPublisher struct{}

func (fakeEventPublisher) Publish(ctx context.Context, taskID, eventType string, payload any) {}

// dialogModel is a minimal model.Client: ChatWithTools always reports a
// final answer with no diffs and no tool calls, so the review graph
// completes a clause in a single pass; Chat answers every other caller
// (clause chat, summarize, definition supplementing) with a fixed string.
type dialogModel struct{ reply string }

func (d dialogModel) Name() string { return "dialog" }
func (d dialogModel) Chat(ctx context.Context, messages []model.Message, opts model.Options) (string, error) {
	if d.reply != "" {
		return d.reply, nil
	}
	return "{}", nil
}
func (d dialogModel) ChatStream(ctx context.Context, messages []model.Message, opts model.Options) (<-chan model.StreamChunk, error) {
	ch := make(chan model.StreamChunk, 1)
	ch <- model.StreamChunk{Text: `{"risks":[],"diffs":[],"summary":"no issues"}`}
	close(ch)
	return ch, nil
}
func (d dialogModel) ChatWithTools(ctx context.Context, messages []model.Message, tools []model.ToolSchema, opts model.Options) (model.ChatWithToolsResult, error) {
	return model.ChatWithToolsResult{Text: `{"risks":[],"diffs":[],"summary":"ok"}`}, nil
}

// diffModel scripts the same one-diff-then-done sequence scenario B needs,
// mirroring graph's scenarioModel but local to this package to avoid a
// test-only export from graph.
type diffModel struct {
	streamResponses []string
	served          int
}

func (m *diffModel) Name() string { return "diff" }
func (m *diffModel) Chat(ctx context.Context, messages []model.Message, opts model.Options) (string, error) {
	return "{}", nil
}
func (m *diffModel) ChatWithTools(ctx context.Context, messages []model.Message, tools []model.ToolSchema, opts model.Options) (model.ChatWithToolsResult, error) {
	return model.ChatWithToolsResult{}, nil
}
func (m *diffModel) ChatStream(ctx context.Context, messages []model.Message, opts model.Options) (<-chan model.StreamChunk, error) {
	idx := m.served
	if idx >= len(m.streamResponses) {
		idx = len(m.streamResponses) - 1
	}
	m.served++
	ch := make(chan model.StreamChunk, 1)
	ch <- model.StreamChunk{Text: m.streamResponses[idx]}
	close(ch)
	return ch, nil
}

func samplePlugin() domain.DomainPlugin {
	return domain.DomainPlugin{
		ID:       "construction",
		Name:     "Construction Contract",
		Subtypes: []string{"fixed-price", "cost-plus"},
		Checklist: []domain.ChecklistItem{
			{ClauseID: "1", RequiredSkills: []string{}},
		},
	}
}

func newTestManager(t *testing.T, m model.Client) (*Manager, *fakeSessionStore) {
	t.Helper()
	plugins := domainplugin.NewRegistry()
	require.NoError(t, plugins.Register(samplePlugin()))

	sessions := newFakeSessionStore()
	eng := inmem.New(nil, nil)
	dispatcher := skills.NewDispatcher(skills.NewRegistry(), nil, nil, nil)

	mgr, err := NewManager(ManagerDeps{
		Engine:     eng,
		Plugins:    plugins,
		Sessions:   sessions,
		Events:     fakeEventPublisher{},
		Blobs:      NewMemBlobStore(),
		Approval:   approval.NewController(eng),
		Dispatcher: dispatcher,
		Loop:       reactloop.New(m, dispatcher),
		Model:      m,
	})
	require.NoError(t, err)
	return mgr, sessions
}

func TestCreateTask_RejectsUnknownSubtype(t *testing.T) {
	mgr, _ := newTestManager(t, dialogModel{})
	_, err := mgr.CreateTask(context.Background(), "u1", "construction", "bogus-subtype", "en")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestCreateTask_Succeeds(t *testing.T) {
	mgr, _ := newTestManager(t, dialogModel{})
	task, err := mgr.CreateTask(context.Background(), "u1", "construction", "fixed-price", "en")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCreated, task.Status)
	assert.Equal(t, "u1", task.UserID)
	assert.NotEmpty(t, task.ID)
}

func TestUploadDocument_PrimaryTransitionsTaskToReady(t *testing.T) {
	mgr, _ := newTestManager(t, dialogModel{})
	task, err := mgr.CreateTask(context.Background(), "u1", "construction", "", "en")
	require.NoError(t, err)

	tree, err := mgr.UploadDocument(context.Background(), "u1", task.ID, domain.RolePrimary, "contract.txt", []byte("The Advance Payment shall be 10%."))
	require.NoError(t, err)
	require.NotNil(t, tree)

	updated, _, err := mgr.Status(context.Background(), "u1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReady, updated.Status)
}

func TestUploadDocument_ReferenceRoleDoesNotTransitionStatus(t *testing.T) {
	mgr, _ := newTestManager(t, dialogModel{})
	task, err := mgr.CreateTask(context.Background(), "u1", "construction", "", "en")
	require.NoError(t, err)

	_, err = mgr.UploadDocument(context.Background(), "u1", task.ID, domain.RoleReference, "baseline.txt", []byte("Reference text."))
	require.NoError(t, err)

	updated, _, err := mgr.Status(context.Background(), "u1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCreated, updated.Status)
}

func TestOwnedEntry_WrongUserIsUnauthorized(t *testing.T) {
	mgr, _ := newTestManager(t, dialogModel{})
	task, err := mgr.CreateTask(context.Background(), "owner", "construction", "", "en")
	require.NoError(t, err)

	_, _, err = mgr.Status(context.Background(), "someone-else", task.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestOwnedEntry_UnknownTaskIsNotFound(t *testing.T) {
	mgr, _ := newTestManager(t, dialogModel{})
	_, _, err := mgr.Status(context.Background(), "u1", "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func pollStatus(t *testing.T, mgr *Manager, userID, taskID string, want domain.TaskStatus) domain.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last domain.Task
	for time.Now().Before(deadline) {
		task, _, err := mgr.Status(context.Background(), userID, taskID)
		require.NoError(t, err)
		last = task
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s, last was %s", taskID, want, last.Status)
	return last
}

// TestReviewLifecycle_ScenarioA_HappyPath exercises create -> upload -> run
// end to end through the Manager for a clause with no proposed diffs.
func TestReviewLifecycle_ScenarioA_HappyPath(t *testing.T) {
	mgr, _ := newTestManager(t, dialogModel{})
	task, err := mgr.CreateTask(context.Background(), "u1", "construction", "", "en")
	require.NoError(t, err)
	_, err = mgr.UploadDocument(context.Background(), "u1", task.ID, domain.RolePrimary, "contract.txt", []byte("The Advance Payment shall be 10%."))
	require.NoError(t, err)

	require.NoError(t, mgr.Run(context.Background(), "u1", task.ID))

	final := pollStatus(t, mgr, "u1", task.ID, domain.TaskCompleted)
	assert.Equal(t, domain.TaskCompleted, final.Status)
}

// TestReviewLifecycle_ScenarioB_InterruptApproveResume exercises the full
// park-on-approval path: the clause proposes one diff, the task sits at
// awaiting_approval, and Approve+Resume carries it to completion.
func TestReviewLifecycle_ScenarioB_InterruptApproveResume(t *testing.T) {
	diffJSON := `{"risks":[],"diffs":[{"diff_id":"d0","clause_id":"1","action":"replace",` +
		`"original_text":"10%","proposed_text":"20%","reason":"too low","risk_level":"medium","status":"pending"}],` +
		`"summary":"one change"}`
	mgr, sessions := newTestManager(t, &diffModel{streamResponses: []string{diffJSON}})
	_ = sessions

	task, err := mgr.CreateTask(context.Background(), "u1", "construction", "", "en")
	require.NoError(t, err)
	_, err = mgr.UploadDocument(context.Background(), "u1", task.ID, domain.RolePrimary, "contract.txt", []byte("The Advance Payment shall be 10%."))
	require.NoError(t, err)
	require.NoError(t, mgr.Run(context.Background(), "u1", task.ID))

	awaiting := pollStatus(t, mgr, "u1", task.ID, domain.TaskAwaitingApproval)
	assert.Equal(t, domain.TaskAwaitingApproval, awaiting.Status)

	require.NoError(t, mgr.Approve(context.Background(), "u1", task.ID, map[string]domain.UserDecision{
		"d0": {Decision: domain.DecisionApprove},
	}))
	require.NoError(t, mgr.Resume(context.Background(), "u1", task.ID))

	final := pollStatus(t, mgr, "u1", task.ID, domain.TaskCompleted)
	assert.Equal(t, domain.TaskCompleted, final.Status)
}

// TestApprove_ScenarioD_IncompleteDecisionsReportsMissingDiffID mirrors the
// "resume with one of two diffs decided" scenario: Approve must fail with
// DecisionsIncomplete naming the undecided diff, mapped to HTTP 400.
func TestApprove_ScenarioD_IncompleteDecisionsReportsMissingDiffID(t *testing.T) {
	diffJSON := `{"risks":[],"diffs":[` +
		`{"diff_id":"d1","clause_id":"1","action":"replace","original_text":"10%","proposed_text":"15%","reason":"a","risk_level":"low","status":"pending"},` +
		`{"diff_id":"d2","clause_id":"1","action":"delete","original_text":"shall","reason":"b","risk_level":"low","status":"pending"}` +
		`],"summary":"two changes"}`
	mgr, _ := newTestManager(t, &diffModel{streamResponses: []string{diffJSON}})

	task, err := mgr.CreateTask(context.Background(), "u1", "construction", "", "en")
	require.NoError(t, err)
	_, err = mgr.UploadDocument(context.Background(), "u1", task.ID, domain.RolePrimary, "contract.txt", []byte("The Advance Payment shall be 10%."))
	require.NoError(t, err)
	require.NoError(t, mgr.Run(context.Background(), "u1", task.ID))
	pollStatus(t, mgr, "u1", task.ID, domain.TaskAwaitingApproval)

	err = mgr.Approve(context.Background(), "u1", task.ID, map[string]domain.UserDecision{
		"d1": {Decision: domain.DecisionApprove},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindApprovalIncomplete, apperr.KindOf(err))
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(apperr.KindOf(err)))
	assert.Contains(t, err.Error(), "d2")
}

// TestRehydrate_ReconstructsEntryAfterProcessRestart simulates the exact
// scenario testable property 9 covers: a brand-new Manager (m.tasks empty,
// as after a process restart) whose Session Store already holds a
// checkpoint for taskID.
func TestRehydrate_ReconstructsEntryAfterProcessRestart(t *testing.T) {
	mgr, sessions := newTestManager(t, dialogModel{})

	state := &domain.GraphState{
		TaskID:   "restored-task",
		UserID:   "u1",
		DomainID: "construction",
		Status:   domain.TaskAwaitingApproval,
		Findings: map[string]domain.ClauseFindings{"1": {ClauseID: "1"}},
	}
	raw, compressed, err := session.PrepareGraphState(state)
	require.NoError(t, err)
	require.NoError(t, sessions.SaveSession(context.Background(), domain.SessionRecord{
		TaskID:     state.TaskID,
		UserID:     state.UserID,
		DomainID:   state.DomainID,
		Status:     state.Status,
		GraphState: raw,
		Compressed: compressed,
		Revision:   1,
	}))

	got, err := mgr.Rehydrate(context.Background(), "u1", "restored-task")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAwaitingApproval, got.Status)

	// Rehydrate must have lazily (re)created the taskEntry: a subsequent
	// owned-entry call (Status) must now succeed rather than 404.
	task, _, err := mgr.Status(context.Background(), "u1", "restored-task")
	require.NoError(t, err)
	assert.Equal(t, "restored-task", task.ID)
}

func TestRehydrate_WrongUserIsUnauthorized(t *testing.T) {
	mgr, sessions := newTestManager(t, dialogModel{})
	state := &domain.GraphState{TaskID: "t2", UserID: "owner", Status: domain.TaskReviewing}
	raw, compressed, err := session.PrepareGraphState(state)
	require.NoError(t, err)
	require.NoError(t, sessions.SaveSession(context.Background(), domain.SessionRecord{
		TaskID: "t2", UserID: "owner", GraphState: raw, Compressed: compressed,
	}))

	_, err = mgr.Rehydrate(context.Background(), "not-the-owner", "t2")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestRehydrate_PropagatesSessionNotFound(t *testing.T) {
	mgr, _ := newTestManager(t, dialogModel{})
	_, err := mgr.Rehydrate(context.Background(), "u1", "never-existed")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
