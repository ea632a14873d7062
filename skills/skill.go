// Package skills implements the skill registry and dispatcher: typed,
// schema-validated capabilities that the ReAct agent loop invokes during
// clause analysis (risk detection, clause classification, diff drafting,
// and similar domain operations).
package skills

import (
	"context"
	"time"
)

// Backend identifies where a skill executes.
type Backend string

const (
	// BackendLocal executes the skill in-process via a registered Handler.
	BackendLocal Backend = "local"
	// BackendRemote submits the skill to an external workflow and polls for
	// completion.
	BackendRemote Backend = "remote"
)

// Handler executes a local skill against a decoded, schema-validated input
// object and returns a result object that will be validated against the
// skill's output schema before being returned to the caller.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Skill describes a single registered capability.
type Skill struct {
	ID          string
	Description string
	InputSchema []byte // JSON Schema document
	OutputSchema []byte

	Backend Backend

	// Handler is required when Backend is BackendLocal.
	Handler Handler

	// RemoteWorkflow identifies the workflow to submit to when Backend is
	// BackendRemote (e.g. a Pulse toolset/workflow name).
	RemoteWorkflow string

	// PollInterval and MaxPollAttempts bound remote polling. Defaults are
	// applied by Registry.Register when zero or negative.
	PollInterval    time.Duration
	MaxPollAttempts int
}

// Result is the outcome of dispatching a skill call.
type Result struct {
	Success   bool
	Data      map[string]any
	Error     string
	ElapsedMS int64
}

// ToolDefinition is the shape the ReAct loop exports to the model as a
// callable tool. It mirrors Skill's identity and input schema only; output
// schema and backend details are dispatcher-internal.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema []byte
}
