// Package mutation implements the four live graph-edit operations (add,
// edit, delete, reset) that may run concurrently with an in-flight
// executor run. Each operation holds a per-action lock for its whole
// validate-invalidate-reset sequence, so a second edit against the same
// action serializes behind the first rather than racing it.
package mutation

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/executor"
	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/observability"
	"github.com/flowforge/orchestrator/internal/store"
)

// CancellationGraceWindow bounds how long Edit waits, conceptually, for a
// cancelled task's agent to observe the signal before the store forces
// the reset through regardless. The in-process executor's cancellation
// is immediate once CancelTask fires, so this is kept only as the
// documented bound from the component design; ResetTasks below does not
// actually block for it.
const CancellationGraceWindow = 5

// Engine applies graph mutations against a Store, coordinating with a
// Runner to cancel in-flight tasks before they are reset.
type Engine struct {
	store store.Store
	bus   *eventbus.Bus
	runs  *executor.Runner

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(st store.Store, bus *eventbus.Bus, runs *executor.Runner) *Engine {
	return &Engine{store: st, bus: bus, runs: runs, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(actionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[actionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[actionID] = l
	}
	return l
}

// Add inserts a new task with no invalidation: it is already pending and
// has no dependents yet.
func (e *Engine) Add(ctx context.Context, actionID string, spec graph.TaskSpec) (graph.Task, error) {
	lock := e.lockFor(actionID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := e.store.ListTasks(ctx, actionID)
	if err != nil {
		return graph.Task{}, err
	}
	if err := validateSpec(existing, spec); err != nil {
		return graph.Task{}, err
	}

	created, err := e.store.CreateTasks(ctx, actionID, []graph.TaskSpec{spec})
	if err != nil {
		return graph.Task{}, err
	}
	task := created[0]
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskStatus, ActionID: actionID, TaskID: task.ID, Payload: map[string]string{"status": graph.TaskPending}})
	observability.Default.IncCounter("graph_mutations_total", mutationLabels(actionID, "add"), 1)
	return task, nil
}

// Edit applies patch to taskID, validates the resulting graph, then
// invalidates {taskID} ∪ transitive_dependents(taskID): cancels any of
// them that are currently running and resets the whole set to pending
// with their outputs detached.
func (e *Engine) Edit(ctx context.Context, actionID, taskID string, patch store.TaskPatch) (graph.Task, error) {
	lock := e.lockFor(actionID)
	lock.Lock()
	defer lock.Unlock()

	tasks, err := e.store.ListTasks(ctx, actionID)
	if err != nil {
		return graph.Task{}, err
	}
	if err := validatePatch(tasks, taskID, patch); err != nil {
		return graph.Task{}, err
	}

	updated, err := e.store.UpdateTask(ctx, graph.Task{ID: taskID, ActionID: actionID}, patch)
	if err != nil {
		return graph.Task{}, err
	}

	if err := e.invalidate(ctx, actionID, tasks, taskID); err != nil {
		return graph.Task{}, err
	}
	observability.Default.IncCounter("graph_mutations_total", mutationLabels(actionID, "edit"), 1)
	return updated, nil
}

// Delete removes taskID. Per the component design, a task with other
// tasks still depending on it cannot be deleted outright (it would leave
// a dangling dependency); callers must edit those dependents first.
func (e *Engine) Delete(ctx context.Context, actionID, taskID string) error {
	lock := e.lockFor(actionID)
	lock.Lock()
	defer lock.Unlock()

	tasks, err := e.store.ListTasks(ctx, actionID)
	if err != nil {
		return err
	}
	if dependents := graph.Dependents(tasks, taskID); len(dependents) > 0 {
		return &ValidationError{Reason: fmt.Sprintf("task %s has dependents %v; edit them first", taskID, dependents)}
	}

	if running(tasks, taskID) {
		e.runs.CancelTask(actionID, taskID)
	}
	if err := e.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	observability.Default.IncCounter("graph_mutations_total", mutationLabels(actionID, "delete"), 1)
	return nil
}

// Reset forces taskID to re-run: equivalent to Edit with an identity
// patch, invalidating {taskID} ∪ transitive_dependents(taskID).
func (e *Engine) Reset(ctx context.Context, actionID, taskID string) error {
	lock := e.lockFor(actionID)
	lock.Lock()
	defer lock.Unlock()

	tasks, err := e.store.ListTasks(ctx, actionID)
	if err != nil {
		return err
	}
	if err := e.invalidate(ctx, actionID, tasks, taskID); err != nil {
		return err
	}
	observability.Default.IncCounter("graph_mutations_total", mutationLabels(actionID, "reset"), 1)
	return nil
}

// invalidate cancels and resets {taskID} ∪ transitive_dependents(taskID).
// Tasks currently running are cancelled through the executor first so
// any in-flight completion is recognized as stale and discarded rather
// than applied after the reset; the reset itself is unconditional
// (ResetTasks bypasses the status transition table by design, matching
// the invalidation trigger in the transition table).
func (e *Engine) invalidate(ctx context.Context, actionID string, tasks []graph.Task, taskID string) error {
	set := append([]string{taskID}, graph.TransitiveDependents(tasks, taskID)...)
	for _, id := range set {
		if running(tasks, id) {
			e.runs.CancelTask(actionID, id)
		}
	}
	if err := e.store.ResetTasks(ctx, set); err != nil {
		return err
	}
	for _, id := range set {
		e.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskStatus, ActionID: actionID, TaskID: id, Payload: map[string]string{"status": graph.TaskPending}})
	}
	return nil
}

func mutationLabels(actionID, op string) map[string]string {
	labels := observability.ActionLabels(actionID)
	labels["op"] = op
	return labels
}

func running(tasks []graph.Task, taskID string) bool {
	for _, t := range tasks {
		if t.ID == taskID {
			return t.Status == graph.TaskRunning
		}
	}
	return false
}

// ValidationError reports a mutation that would leave the graph in an
// invalid state (cycle, dangling dependency, dependents left hanging).
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return e.Reason }

func validateSpec(existing []graph.Task, spec graph.TaskSpec) error {
	if spec.Prompt == "" {
		return &ValidationError{Reason: "prompt must not be empty"}
	}
	byID := make(map[string]bool, len(existing))
	for _, t := range existing {
		byID[t.ID] = true
	}
	for _, dep := range spec.Dependencies {
		if !byID[dep] {
			return &ValidationError{Reason: fmt.Sprintf("dependency %s does not exist", dep)}
		}
	}
	return nil
}

// validatePatch simulates applying patch to taskID within existing and
// checks the result stays acyclic and dependency-closed, without
// mutating the store.
func validatePatch(existing []graph.Task, taskID string, patch store.TaskPatch) error {
	found := false
	simulated := make([]graph.Task, len(existing))
	for i, t := range existing {
		if t.ID == taskID {
			found = true
			if patch.Prompt != nil {
				t.Prompt = *patch.Prompt
			}
			if patch.AgentType != nil {
				t.AgentType = *patch.AgentType
			}
			if patch.Model != nil {
				t.Model = *patch.Model
			}
			if patch.Dependencies != nil {
				t.Dependencies = *patch.Dependencies
			}
		}
		simulated[i] = t
	}
	if !found {
		return &ValidationError{Reason: fmt.Sprintf("task %s not found", taskID)}
	}
	if patch.Prompt != nil && *patch.Prompt == "" {
		return &ValidationError{Reason: "prompt must not be empty"}
	}
	if err := graph.ValidateAcyclic(simulated); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}
