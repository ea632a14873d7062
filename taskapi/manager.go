package taskapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/approval"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/domainplugin"
	"github.com/legalflow/clausereview/graph"
	"github.com/legalflow/clausereview/model"
	"github.com/legalflow/clausereview/quota"
	"github.com/legalflow/clausereview/reactloop"
	"github.com/legalflow/clausereview/session"
	"github.com/legalflow/clausereview/skills"
	"github.com/legalflow/clausereview/structure"
	"github.com/legalflow/clausereview/telemetry"
)

// taskEntry is the active-graphs table's per-task record: the task's
// metadata plus whatever is needed to serve reads and stage a resume
// without re-parsing or re-hitting the Session Store on every request.
type taskEntry struct {
	mu sync.Mutex

	task       domain.Task
	primary    *domain.ClauseTree
	references map[string]*domain.ClauseTree // role -> tree, for reference documents

	pendingDecisions map[string]domain.UserDecision // diff_id -> decision, staged by Approve
	chatHistory      map[string][]domain.ChatTurn   // clause_id -> turns, append-only
	lastAccess       time.Time
	started          bool
}

// Manager is the Task API Facade's active-graphs table: it owns task
// lifecycle (create, upload, run, approve, resume, status, rehydrate) and
// is the single point that enforces per-task ownership before any read or
// mutation reaches the Review Graph, Session Store, or Quota Gate.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry

	engine   graph.Engine
	plugins  *domainplugin.Registry
	sessions session.Store
	events   graph.EventPublisher
	blobs    BlobStore
	quota    *quota.Gate
	approval *approval.Controller

	dispatcher *skills.Dispatcher
	loop       *reactloop.Loop
	model      model.Client

	logger telemetry.Logger

	registerOnce sync.Once
}

// ManagerDeps bundles the shared, process-wide collaborators a Manager is
// built over. Dispatcher/Loop/Model are global: per-domain specialization
// happens through Plugins, not through separate loop instances per domain.
type ManagerDeps struct {
	Engine     graph.Engine
	Plugins    *domainplugin.Registry
	Sessions   session.Store
	Events     graph.EventPublisher
	Blobs      BlobStore
	Quota      *quota.Gate
	Approval   *approval.Controller
	Dispatcher *skills.Dispatcher
	Loop       *reactloop.Loop
	Model      model.Client
	Logger     telemetry.Logger
}

// NewManager builds a Manager and registers the review graph's workflow
// definition with deps.Engine. It is safe to call once per process.
func NewManager(deps ManagerDeps) (*Manager, error) {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	m := &Manager{
		tasks:      make(map[string]*taskEntry),
		engine:     deps.Engine,
		plugins:    deps.Plugins,
		sessions:   deps.Sessions,
		events:     deps.Events,
		blobs:      deps.Blobs,
		quota:      deps.Quota,
		approval:   deps.Approval,
		dispatcher: deps.Dispatcher,
		loop:       deps.Loop,
		model:      deps.Model,
		logger:     deps.Logger,
	}
	graphDeps := graph.Deps{
		Sessions:   deps.Sessions,
		Events:     deps.Events,
		Clauses:    m,
		Plugins:    deps.Plugins,
		Dispatcher: deps.Dispatcher,
		Loop:       deps.Loop,
		Model:      deps.Model,
	}
	if err := deps.Engine.RegisterWorkflow(context.Background(), graph.WorkflowDefinition{
		Name:    graph.WorkflowName,
		Handler: graph.NewWorkflowFunc(graphDeps),
	}); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "register review graph workflow", err)
	}
	return m, nil
}

// CreateTask registers a new task owned by userID against domainID/subtype,
// in TaskCreated status until its primary document is uploaded.
func (m *Manager) CreateTask(ctx context.Context, userID, domainID, subtype, language string) (domain.Task, error) {
	plugin, err := m.plugins.Get(domainID)
	if err != nil {
		return domain.Task{}, err
	}
	if subtype != "" {
		found := false
		for _, s := range plugin.Subtypes {
			if s == subtype {
				found = true
				break
			}
		}
		if !found {
			return domain.Task{}, apperr.New(apperr.KindInvalidInput, "subtype "+subtype+" not handled by domain "+domainID)
		}
	}
	now := time.Now()
	task := domain.Task{
		ID:        uuid.NewString(),
		UserID:    userID,
		DomainID:  domainID,
		Subtype:   subtype,
		Language:  language,
		Status:    domain.TaskCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry := &taskEntry{
		task:        task,
		references:  make(map[string]*domain.ClauseTree),
		chatHistory: make(map[string][]domain.ChatTurn),
		lastAccess:  now,
	}
	m.mu.Lock()
	m.tasks[task.ID] = entry
	m.mu.Unlock()
	return task, nil
}

// UploadDocument parses data with the task's domain plugin's parser
// configuration and attaches it to the task under role. Uploading a
// RolePrimary document transitions the task from created to ready.
func (m *Manager) UploadDocument(ctx context.Context, userID, taskID string, role domain.DocumentRole, filename string, data []byte) (*domain.ClauseTree, error) {
	entry, err := m.ownedEntry(userID, taskID)
	if err != nil {
		return nil, err
	}
	plugin, err := m.plugins.Get(entry.task.DomainID)
	if err != nil {
		return nil, err
	}
	if err := m.blobs.Put(ctx, userID, taskID, string(role), filename, data); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "store uploaded document", err)
	}
	tree := structure.Parse(string(data), plugin.ParserConfig)
	if err := tree.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "parsed document failed structural validation", err)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if role == domain.RolePrimary {
		entry.primary = tree
		if entry.task.Status == domain.TaskCreated {
			entry.task.Status = domain.TaskReady
			entry.task.UpdatedAt = time.Now()
		}
	} else {
		entry.references[string(role)] = tree
	}
	return tree, nil
}

// Run starts the review graph for taskID after checking the Quota Gate.
// It returns as soon as the workflow has started; completion (success or
// failure) is handled asynchronously, deducting quota only on success.
func (m *Manager) Run(ctx context.Context, userID, taskID string) error {
	entry, err := m.ownedEntry(userID, taskID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	if entry.task.Status != domain.TaskReady {
		entry.mu.Unlock()
		return apperr.New(apperr.KindConflict, "task is not ready to run: no primary document uploaded")
	}
	if entry.primary == nil {
		entry.mu.Unlock()
		return apperr.New(apperr.KindInvalidInput, "task has no primary document")
	}
	if entry.started {
		entry.mu.Unlock()
		return apperr.New(apperr.KindConflict, "task already started")
	}
	entry.started = true
	task := entry.task
	entry.mu.Unlock()

	if m.quota != nil {
		if err := m.quota.Check(ctx, userID); err != nil {
			entry.mu.Lock()
			entry.started = false
			entry.mu.Unlock()
			return err
		}
	}

	handle, err := m.engine.StartWorkflow(ctx, graph.WorkflowStartRequest{
		WorkflowID: taskID,
		Name:       graph.WorkflowName,
		Input: graph.ReviewInput{
			TaskID:   taskID,
			UserID:   userID,
			DomainID: task.DomainID,
			Language: task.Language,
		},
	})
	if err != nil {
		entry.mu.Lock()
		entry.started = false
		entry.mu.Unlock()
		return apperr.Wrap(apperr.KindInternal, "start review graph", err)
	}

	go m.awaitCompletion(taskID, userID, handle)
	return nil
}

// awaitCompletion blocks on the workflow handle and deducts quota only
// once the task has actually completed successfully, per the Quota Gate's
// check-before-start/deduct-after-success-only contract.
func (m *Manager) awaitCompletion(taskID, userID string, handle graph.WorkflowHandle) {
	ctx := context.Background()
	var out any
	err := handle.Get(ctx, &out)

	m.mu.RLock()
	entry, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if err != nil {
		m.logger.Error(ctx, "review graph run failed", "task_id", taskID, "error", err.Error())
		_ = m.sessions.UpdateSessionStatus(ctx, taskID, domain.TaskFailed)
		entry.mu.Lock()
		entry.task.Status = domain.TaskFailed
		entry.task.UpdatedAt = time.Now()
		entry.mu.Unlock()
		return
	}

	entry.mu.Lock()
	entry.task.Status = domain.TaskCompleted
	entry.task.UpdatedAt = time.Now()
	entry.mu.Unlock()

	if m.quota != nil {
		if derr := m.quota.Deduct(ctx, userID, taskID); derr != nil {
			m.logger.Error(ctx, "quota deduction failed after task completion", "task_id", taskID, "error", derr.Error())
		}
	}
}

// Approve stages a user's decisions against a task's currently pending
// diffs, without yet signaling the graph; Resume is what actually unblocks
// the parked human_approval node.
func (m *Manager) Approve(ctx context.Context, userID, taskID string, decisions map[string]domain.UserDecision) error {
	entry, err := m.ownedEntry(userID, taskID)
	if err != nil {
		return err
	}
	rec, err := m.sessions.LoadSession(ctx, taskID)
	if err != nil {
		return err
	}
	state, err := session.DecodeGraphState(rec)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "decode checkpointed graph state", err)
	}
	if err := approval.Validate(state.PendingDiffs, decisions); err != nil {
		return err
	}

	entry.mu.Lock()
	entry.pendingDecisions = decisions
	entry.mu.Unlock()
	return nil
}

// Resume signals the parked review graph with the decisions staged by a
// prior Approve call, requiring every pending diff to have been decided.
func (m *Manager) Resume(ctx context.Context, userID, taskID string) error {
	entry, err := m.ownedEntry(userID, taskID)
	if err != nil {
		return err
	}
	rec, err := m.sessions.LoadSession(ctx, taskID)
	if err != nil {
		return err
	}
	state, err := session.DecodeGraphState(rec)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "decode checkpointed graph state", err)
	}

	entry.mu.Lock()
	decisions := entry.pendingDecisions
	entry.pendingDecisions = nil
	entry.mu.Unlock()

	return m.approval.Resume(ctx, taskID, state.PendingDiffs, decisions)
}

// Status returns the task's current lifecycle status and, when parked
// awaiting approval, the diffs a caller must decide on to resume.
func (m *Manager) Status(ctx context.Context, userID, taskID string) (domain.Task, []domain.DocumentDiff, error) {
	entry, err := m.ownedEntry(userID, taskID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	rec, err := m.sessions.LoadSession(ctx, taskID)
	if err != nil {
		return entry.task, nil, nil
	}
	state, err := session.DecodeGraphState(rec)
	if err != nil {
		return entry.task, nil, apperr.Wrap(apperr.KindInternal, "decode checkpointed graph state", err)
	}
	entry.mu.Lock()
	entry.task.Status = state.Status
	task := entry.task
	entry.mu.Unlock()
	return task, state.PendingDiffs, nil
}

// Rehydrate returns the full checkpointed graph state for a task, used to
// restore a client's view of findings/diffs after a reconnect or after a
// process restart. Unlike the other Manager methods, it does not require
// the task to already be present in the in-process active-graphs table:
// m.tasks is purely in-memory and is empty on a fresh process, so
// Rehydrate loads the SessionRecord directly from the Session Store,
// checks ownership against the record itself, and lazily (re)creates the
// taskEntry so subsequent calls (Status, Approve, Resume, ...) find it.
func (m *Manager) Rehydrate(ctx context.Context, userID, taskID string) (*domain.GraphState, error) {
	rec, err := m.sessions.LoadSession(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, apperr.New(apperr.KindUnauthorized, "task belongs to a different user")
	}

	state, err := session.DecodeGraphState(rec)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decode checkpointed graph state", err)
	}

	m.mu.Lock()
	entry, ok := m.tasks[taskID]
	if !ok {
		entry = &taskEntry{
			task: domain.Task{
				ID:       rec.TaskID,
				UserID:   rec.UserID,
				DomainID: rec.DomainID,
				Status:   rec.Status,
			},
			references:  make(map[string]*domain.ClauseTree),
			chatHistory: make(map[string][]domain.ChatTurn),
		}
		m.tasks[taskID] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	entry.task.Status = state.Status
	entry.lastAccess = time.Now()
	entry.mu.Unlock()

	return state, nil
}

// ClauseContext returns a clause's text, title, and cross-references for
// read-only inspection, independent of whether the review graph has
// reached that clause yet.
func (m *Manager) ClauseContext(ctx context.Context, userID, taskID, clauseID string) (*domain.ClauseNode, []string, error) {
	entry, err := m.ownedEntry(userID, taskID)
	if err != nil {
		return nil, nil, err
	}
	entry.mu.Lock()
	tree := entry.primary
	entry.mu.Unlock()
	if tree == nil {
		return nil, nil, apperr.ErrClauseNotFound
	}
	node := tree.ByID(clauseID)
	if node == nil {
		return nil, nil, apperr.ErrClauseNotFound
	}
	return node, tree.CrossReferences[clauseID], nil
}

// Clauses implements graph.ClauseProvider: the review graph pulls the
// primary document's parsed tree through the Manager rather than the
// Structure Parser directly, since upload (and therefore parsing) happens
// before Run is ever called.
func (m *Manager) Clauses(ctx context.Context, taskID string) (*domain.ClauseTree, error) {
	m.mu.RLock()
	entry, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrTaskNotFound
	}
	entry.mu.Lock()
	tree := entry.primary
	entry.mu.Unlock()
	if tree == nil {
		return nil, apperr.New(apperr.KindInvalidInput, "task has no primary document")
	}
	return tree, nil
}

// ClauseChat appends a user turn to a clause's refinement chat, asks the
// Model Adapter for a reply grounded in the clause's text, and records the
// assistant's turn before returning it. History is per-clause and
// append-only; it is not consulted by the review graph itself.
func (m *Manager) ClauseChat(ctx context.Context, userID, taskID, clauseID, message string) (string, error) {
	entry, err := m.ownedEntry(userID, taskID)
	if err != nil {
		return "", err
	}
	entry.mu.Lock()
	tree := entry.primary
	entry.mu.Unlock()
	if tree == nil {
		return "", apperr.ErrClauseNotFound
	}
	node := tree.ByID(clauseID)
	if node == nil {
		return "", apperr.ErrClauseNotFound
	}

	entry.mu.Lock()
	history := append([]domain.ChatTurn(nil), entry.chatHistory[clauseID]...)
	entry.mu.Unlock()

	messages := []model.Message{
		{Role: model.RoleSystem, Content: "You are discussing one clause of a contract under review with the reviewing user. Be concise."},
		{Role: model.RoleUser, Content: "Clause " + node.ClauseID + ": " + node.Title + "\n\n" + node.Text},
	}
	for _, turn := range history {
		role := model.RoleUser
		if turn.Role == "assistant" {
			role = model.RoleAssistant
		}
		messages = append(messages, model.Message{Role: role, Content: turn.Content})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: message})

	reply, err := m.model.Chat(ctx, messages, model.Options{})
	if err != nil {
		return "", apperr.Wrap(apperr.KindProviderUnavailable, "clause chat", err)
	}

	now := time.Now()
	entry.mu.Lock()
	entry.chatHistory[clauseID] = append(entry.chatHistory[clauseID],
		domain.ChatTurn{ClauseID: clauseID, Role: "user", Content: message, Timestamp: now},
		domain.ChatTurn{ClauseID: clauseID, Role: "assistant", Content: reply, Timestamp: now},
	)
	entry.mu.Unlock()
	return reply, nil
}

// ownedEntry resolves taskID and enforces that userID is its owner,
// refreshing the entry's last-access timestamp on every touch.
func (m *Manager) ownedEntry(userID, taskID string) (*taskEntry, error) {
	m.mu.RLock()
	entry, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrTaskNotFound
	}
	entry.mu.Lock()
	if entry.task.UserID != userID {
		entry.mu.Unlock()
		return nil, apperr.New(apperr.KindUnauthorized, "task belongs to a different user")
	}
	entry.lastAccess = time.Now()
	entry.mu.Unlock()
	return entry, nil
}
