// Package domain holds the data model shared by every component: the
// clause-review orchestrator's tasks, documents, clause trees, checklists,
// diffs, findings, graph state and session records.
package domain

import "time"

// TaskStatus is a node in the task lifecycle DAG:
// created -> ready -> reviewing <-> awaiting_approval -> completed | failed.
type TaskStatus string

const (
	TaskCreated          TaskStatus = "created"
	TaskReady            TaskStatus = "ready"
	TaskReviewing        TaskStatus = "reviewing"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskCompleted        TaskStatus = "completed"
	TaskFailed           TaskStatus = "failed"
)

// validTaskTransitions enumerates the allowed edges of the task status DAG.
var validTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskCreated:          {TaskReady},
	TaskReady:            {TaskReviewing},
	TaskReviewing:        {TaskAwaitingApproval, TaskCompleted, TaskFailed},
	TaskAwaitingApproval: {TaskReviewing, TaskFailed},
	TaskCompleted:        {},
	TaskFailed:           {},
}

// CanTransition reports whether moving from the receiver to next is a legal
// edge in the task lifecycle DAG.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range validTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is a terminal state (no further
// transitions are legal).
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is the top-level unit of work: one document under review against one
// domain's checklist. Mutated only by its owning user or the graph runner.
type Task struct {
	ID        string
	UserID    string
	DomainID  string
	Subtype   string
	Language  string
	Status    TaskStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentRole distinguishes the document under review from supporting
// material attached for cross-reference.
type DocumentRole string

const (
	RolePrimary   DocumentRole = "primary"
	RoleBaseline  DocumentRole = "baseline"
	RoleReference DocumentRole = "reference"
)

// Document is one uploaded file plus its parsed clause tree.
type Document struct {
	TaskID   string
	Role     DocumentRole
	Filename string
	Language string
	Tree     *ClauseTree
}
