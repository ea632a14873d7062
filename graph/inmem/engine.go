// Package inmem provides an in-memory Engine implementation suitable for
// single-process deployments and tests. It is not durable: a process
// restart loses every in-flight workflow, which is acceptable because the
// review graph checkpoints to the Session Store after every clause rather
// than relying on engine-level durability.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/legalflow/clausereview/graph"
	"github.com/legalflow/clausereview/telemetry"
)

type engine struct {
	mu        sync.RWMutex
	workflows map[string]graph.WorkflowDefinition
	running   map[string]*wfState

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

type wfState struct {
	mu   sync.Mutex
	sigs map[string]chan any

	done   chan struct{}
	result any
	err    error
}

// New returns an in-memory Engine.
func New(logger telemetry.Logger, metrics telemetry.Metrics) graph.Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &engine{
		workflows: make(map[string]graph.WorkflowDefinition),
		running:   make(map[string]*wfState),
		logger:    logger,
		metrics:   metrics,
	}
}

func (e *engine) RegisterWorkflow(ctx context.Context, def graph.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("inmem: invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("inmem: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *engine) StartWorkflow(ctx context.Context, req graph.WorkflowStartRequest) (graph.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem: workflow %q not registered", req.Name)
	}

	st := &wfState{sigs: make(map[string]chan any), done: make(chan struct{})}
	e.mu.Lock()
	e.running[req.WorkflowID] = st
	e.mu.Unlock()

	wctx := &inmemCtx{ctx: ctx, id: req.WorkflowID, st: st, logger: e.logger, metrics: e.metrics}
	go func() {
		result, err := def.Handler(wctx, req.Input)
		st.mu.Lock()
		st.result, st.err = result, err
		st.mu.Unlock()
		close(st.done)
	}()
	return &handle{id: req.WorkflowID, st: st}, nil
}

func (e *engine) SignalWorkflow(ctx context.Context, workflowID, signalName string, payload any) error {
	e.mu.RLock()
	st, ok := e.running[workflowID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inmem: workflow %q not running", workflowID)
	}
	st.mu.Lock()
	ch, ok := st.sigs[signalName]
	if !ok {
		ch = make(chan any, 1)
		st.sigs[signalName] = ch
	}
	st.mu.Unlock()
	select {
	case ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type handle struct {
	id string
	st *wfState
}

func (h *handle) WorkflowID() string { return h.id }

func (h *handle) Get(ctx context.Context, out any) error {
	select {
	case <-h.st.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	if h.st.err != nil {
		return h.st.err
	}
	if out != nil && h.st.result != nil {
		if ptr, ok := out.(*any); ok {
			*ptr = h.st.result
		}
	}
	return nil
}

type inmemCtx struct {
	ctx     context.Context
	id      string
	st      *wfState
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

func (c *inmemCtx) Context() context.Context { return c.ctx }
func (c *inmemCtx) WorkflowID() string       { return c.id }
func (c *inmemCtx) Now() time.Time           { return time.Now() }
func (c *inmemCtx) Logger() telemetry.Logger   { return c.logger }
func (c *inmemCtx) Metrics() telemetry.Metrics { return c.metrics }

func (c *inmemCtx) ExecuteActivity(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, error) {
	return fn(ctx)
}

func (c *inmemCtx) AwaitSignal(ctx context.Context, name string) (any, error) {
	c.st.mu.Lock()
	ch, ok := c.st.sigs[name]
	if !ok {
		ch = make(chan any, 1)
		c.st.sigs[name] = ch
	}
	c.st.mu.Unlock()

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
