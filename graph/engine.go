// Package graph defines the durable-execution abstraction the review graph
// runs on, and the review graph itself: the node sequence that drives a
// single clause from selection through human approval to a saved result.
package graph

import (
	"context"
	"time"

	"github.com/legalflow/clausereview/telemetry"
)

type (
	// Engine abstracts workflow registration and execution for the review
	// graph. graph/inmem provides the in-memory implementation (tests,
	// single-process deployments), the only one in this module.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Must be called
		// before StartWorkflow for the same name.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
		// StartWorkflow starts a new execution of a registered workflow.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
		// SignalWorkflow delivers a named signal with a payload to a running
		// workflow instance, used to resume a task parked at human_approval.
		SignalWorkflow(ctx context.Context, workflowID, signalName string, payload any) error
	}

	// WorkflowDefinition binds a workflow name to its handler function.
	WorkflowDefinition struct {
		Name    string
		Handler WorkflowFunc
	}

	// WorkflowFunc is the review graph's entry point. It must be
	// deterministic with respect to WorkflowContext's operations: the same
	// sequence of ExecuteActivity/Signal calls for the same inputs.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowStartRequest starts one workflow execution.
	WorkflowStartRequest struct {
		WorkflowID string
		Name       string
		Input      any
	}

	// WorkflowHandle refers to a started workflow execution.
	WorkflowHandle interface {
		WorkflowID() string
		// Get blocks until the workflow completes and decodes its result
		// into out (a pointer), or returns the workflow's terminal error.
		Get(ctx context.Context, out any) error
	}

	// WorkflowContext exposes engine operations to a running workflow.
	WorkflowContext interface {
		Context() context.Context
		WorkflowID() string

		// ExecuteActivity runs fn synchronously within the workflow and
		// returns its result. Activities may perform I/O; workflow code
		// itself must not.
		ExecuteActivity(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, error)

		// AwaitSignal blocks until a signal named name arrives (delivered
		// via Engine.SignalWorkflow) or ctx is cancelled. Used by the
		// human_approval node to park for approval decisions.
		AwaitSignal(ctx context.Context, name string) (any, error)

		Now() time.Time
		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
	}
)
