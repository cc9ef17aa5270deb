// Package store defines the persistence boundary for actions, tasks,
// outputs, artifacts and logs. The graph store is the sole writer of
// persistent state; the executor and mutation engine touch state only
// through these transactional operations.
package store

import (
	"context"
	"time"

	"github.com/flowforge/orchestrator/internal/graph"
)

// Store is the graph store contract from the component design: atomic
// CRUD over actions/tasks plus the status transition table and the
// dependents/ancestors query helpers used by invalidation and readiness
// checks.
type Store interface {
	CreateAction(ctx context.Context, action graph.Action, tasks []graph.Task) (graph.Action, []graph.Task, error)
	GetAction(ctx context.Context, actionID string) (graph.Action, bool, error)
	ListActions(ctx context.Context, filter ListActionsFilter) ([]graph.Action, error)
	UpdateAction(ctx context.Context, action graph.Action) error
	DeleteAction(ctx context.Context, actionID string) error

	CreateTasks(ctx context.Context, actionID string, specs []graph.TaskSpec) ([]graph.Task, error)
	ListTasks(ctx context.Context, actionID string) ([]graph.Task, error)
	GetTask(ctx context.Context, taskID string) (graph.Task, bool, error)
	UpdateTask(ctx context.Context, task graph.Task, patch TaskPatch) (graph.Task, error)
	SetTaskStatus(ctx context.Context, taskID string, newStatus string, result TaskResult) (graph.Task, error)
	SetTaskSubAction(ctx context.Context, taskID string, subActionID string) error
	ResetTasks(ctx context.Context, taskIDs []string) error
	DeleteTask(ctx context.Context, taskID string) error

	AppendLog(ctx context.Context, entry graph.LogEntry) error
	ListLogs(ctx context.Context, taskID string, limit int) ([]graph.LogEntry, error)

	PutArtifact(ctx context.Context, artifact graph.Artifact) error
	GetArtifact(ctx context.Context, artifactID string) (graph.Artifact, bool, error)
}

// ListActionsFilter narrows ListActions results.
type ListActionsFilter struct {
	Status string
}

// TaskPatch is the set of optionally-present fields an edit may change.
// Unset fields leave the existing value untouched.
type TaskPatch struct {
	Prompt       *string
	AgentType    *string
	Model        *string
	ModuleID     *string
	Dependencies *[]string
}

// TaskResult carries the side effects of a terminal status transition:
// the output summary/artifacts on success, or the error message on
// failure.
type TaskResult struct {
	OutputSummary string
	ArtifactIDs   []string
	Error         string
	CompletedAt   time.Time
}

// ErrNotFound is returned by lookups that find nothing; callers that need
// to distinguish "not found" from "error" should use the bool return value
// instead where available.
type ErrNotFound struct{ What string }

func (e *ErrNotFound) Error() string { return e.What + " not found" }

// ErrInvalidTransition is returned when SetTaskStatus is asked to perform a
// transition outside the allowed table in the component design.
type ErrInvalidTransition struct {
	From, To string
}

func (e *ErrInvalidTransition) Error() string {
	return "invalid task status transition from " + e.From + " to " + e.To
}

// ValidTransition enforces the status transition table: pending->running on
// scheduler claim, running->completed on success, running->failed on
// terminal failure, and any terminal status back to pending on
// invalidation.
func ValidTransition(from, to string) bool {
	switch {
	case from == graph.TaskPending && to == graph.TaskRunning:
		return true
	case from == graph.TaskRunning && to == graph.TaskCompleted:
		return true
	case from == graph.TaskRunning && to == graph.TaskFailed:
		return true
	case to == graph.TaskPending && (from == graph.TaskCompleted || from == graph.TaskFailed):
		return true
	case from == to:
		return true
	default:
		return false
	}
}
