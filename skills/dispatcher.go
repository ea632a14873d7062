package skills

import (
	"context"
	"time"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/telemetry"
)

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultMaxPollAttempts = 40 // ~20s at the default interval
)

// RemoteBackend submits a skill call to an external workflow and polls it to
// completion. Implementations (e.g. a Pulse-backed submitter) are supplied
// per Dispatcher; Dispatcher owns only the polling loop and terminal-state
// classification, not the transport.
type RemoteBackend interface {
	// Submit starts execution of workflow with input and returns an
	// opaque handle used by Poll.
	Submit(ctx context.Context, workflow string, input map[string]any) (handle string, err error)

	// Poll checks the status of a previously submitted call. status is one
	// of "pending", "completed", "failed", or "not_found".
	Poll(ctx context.Context, handle string) (status string, data map[string]any, failMsg string, err error)
}

// Dispatcher validates skill inputs/outputs and routes execution to either a
// local Handler or a RemoteBackend, returning a uniform Result either way.
type Dispatcher struct {
	registry *Registry
	remote   RemoteBackend
	logger   telemetry.Logger
	metrics  telemetry.Metrics
}

// NewDispatcher builds a Dispatcher. remote may be nil if no skill in the
// registry uses BackendRemote.
func NewDispatcher(registry *Registry, remote RemoteBackend, logger telemetry.Logger, metrics telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Dispatcher{registry: registry, remote: remote, logger: logger, metrics: metrics}
}

// Dispatch validates input against the skill's input schema, executes it via
// the configured backend, validates the resulting data against the output
// schema, and returns a Result. Dispatch never returns a Go error for
// ordinary skill failures (timeout, backend error, schema mismatch) — those
// are reported via Result.Success=false and Result.Error so callers
// (the ReAct loop) can fold them into the tool transcript without branching
// on error type. A non-nil error return means the skill id itself was
// unknown or the skill's backend is not recognised.
func (d *Dispatcher) Dispatch(ctx context.Context, skillID string, input map[string]any) (Result, error) {
	start := time.Now()
	cs, ok := d.registry.get(skillID)
	if !ok {
		return Result{}, apperr.New(apperr.KindSkillNotFound, "unknown skill: "+skillID)
	}

	if err := validate(cs.inputSchema, input); err != nil {
		return Result{Success: false, Error: "input schema mismatch: " + err.Error(), ElapsedMS: elapsedMS(start)}, nil
	}

	var (
		data map[string]any
		derr error
	)
	switch cs.skill.Backend {
	case BackendLocal:
		data, derr = cs.skill.Handler(ctx, input)
	case BackendRemote:
		data, derr = d.dispatchRemote(ctx, cs.skill, input)
	default:
		return Result{}, apperr.New(apperr.KindInvalidInput, "unknown skill backend: "+skillID)
	}

	elapsed := elapsedMS(start)
	if derr != nil {
		d.metrics.IncCounter("skill.dispatch.failure", 1, "skill", skillID)
		return Result{Success: false, Error: derr.Error(), ElapsedMS: elapsed}, nil
	}

	if err := validate(cs.outputSchema, data); err != nil {
		d.metrics.IncCounter("skill.dispatch.failure", 1, "skill", skillID)
		return Result{Success: false, Error: "output schema mismatch: " + err.Error(), ElapsedMS: elapsed}, nil
	}

	d.metrics.IncCounter("skill.dispatch.success", 1, "skill", skillID)
	return Result{Success: true, Data: data, ElapsedMS: elapsed}, nil
}

// dispatchRemote submits the call and polls until a terminal state or the
// attempt budget is exhausted. Terminal classification:
//   - Poll returns status "not_found"            -> not_found
//   - attempt budget exhausted without terminal   -> timeout
//   - Poll returns status "failed"                -> backend_error
//   - Poll returns status "completed"              -> success
func (d *Dispatcher) dispatchRemote(ctx context.Context, sk Skill, input map[string]any) (map[string]any, error) {
	if d.remote == nil {
		return nil, apperr.New(apperr.KindSkillBackendError, "no remote backend configured for "+sk.ID)
	}
	handle, err := d.remote.Submit(ctx, sk.RemoteWorkflow, input)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSkillBackendError, "submit "+sk.ID, err)
	}

	for attempt := 0; attempt < sk.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindSkillTimeout, "poll "+sk.ID, ctx.Err())
		case <-time.After(sk.PollInterval):
		}

		status, data, failMsg, err := d.remote.Poll(ctx, handle)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindSkillBackendError, "poll "+sk.ID, err)
		}
		switch status {
		case "completed":
			return data, nil
		case "failed":
			return nil, apperr.New(apperr.KindSkillBackendError, "remote skill failed: "+failMsg)
		case "not_found":
			return nil, apperr.New(apperr.KindNotFound, "remote handle not found: "+handle)
		case "pending":
			continue
		default:
			d.logger.Warn(ctx, "unexpected remote skill status", "skill", sk.ID, "status", status)
		}
	}
	return nil, apperr.New(apperr.KindSkillTimeout, "remote skill did not complete within poll budget: "+sk.ID)
}

func elapsedMS(start time.Time) int64 { return time.Since(start).Milliseconds() }

// ToolDefinitionsForChecklist returns the deduplicated tool catalogue for
// every skill named (required or suggested) across checklist, in first-seen
// order. Unknown skill ids are skipped by Registry.ToolDefinitions.
func (d *Dispatcher) ToolDefinitionsForChecklist(checklist []domain.ChecklistItem) []ToolDefinition {
	seen := make(map[string]bool)
	var ids []string
	for _, item := range checklist {
		for _, id := range item.RequiredSkills {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		for _, id := range item.SuggestedSkills {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return d.registry.ToolDefinitions(ids)
}
