// Package subaction implements the "sub_action" agent type: a task that
// spawns and runs a child Action from a natural-language prompt, waits
// for it to finish, then folds the child's task outputs into its own
// result. It is the recursive-decomposition path a planner uses when a
// single task is really a whole workflow in miniature; graph.MaxActionDepth
// bounds how many generations may nest before a spawn is refused outright.
package subaction

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/errkind"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/executor"
	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/observability"
	"github.com/flowforge/orchestrator/internal/planner"
	"github.com/flowforge/orchestrator/internal/store"
)

type Agent struct {
	store   store.Store
	bus     *eventbus.Bus
	planner *planner.Planner
	runner  *executor.Runner
}

func New(st store.Store, bus *eventbus.Bus, pl *planner.Planner, runner *executor.Runner) *Agent {
	return &Agent{store: st, bus: bus, planner: pl, runner: runner}
}

var _ agent.Agent = (*Agent)(nil)

func (a *Agent) Run(ctx context.Context, task agent.Task, inputs []agent.Input, logs agent.LogSink) (agent.Result, error) {
	ctx, span := observability.StartSpan(ctx, "subaction.spawn",
		attribute.String(observability.AttrActionID, task.ActionID),
		attribute.String(observability.AttrTaskID, task.ID))
	defer span.End()

	parent, ok, err := a.store.GetAction(ctx, task.ActionID)
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.Transient, err)
	}
	if !ok {
		return agent.Result{}, errkind.Tag(errkind.Permanent, fmt.Errorf("sub_action: parent action %s not found", task.ActionID))
	}
	if parent.Depth+1 > graph.MaxActionDepth {
		observability.Default.IncCounter("sub_action_depth_rejected_total", observability.ActionLabels(task.ActionID), 1)
		return agent.Result{}, errkind.Tag(errkind.Permanent,
			fmt.Errorf("sub_action: spawning from action %s would exceed max depth %d", task.ActionID, graph.MaxActionDepth))
	}
	span.SetAttributes(attribute.Int(observability.AttrActionDepth, parent.Depth+1))

	logs.Log("info", "spawning sub-action", map[string]any{"parent_action_id": task.ActionID, "depth": parent.Depth + 1})

	specs, err := a.planner.Compile(ctx, task.Prompt, nil)
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.Transient, fmt.Errorf("sub_action: plan child DAG: %w", err))
	}

	child, tasks, err := a.store.CreateAction(ctx, graph.Action{
		Title:          task.Prompt,
		RootPrompt:     task.Prompt,
		Status:         graph.ActionDraft,
		ParentActionID: task.ActionID,
		ParentTaskID:   task.ID,
		Depth:          parent.Depth + 1,
	}, specsToTasks(specs))
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.Transient, fmt.Errorf("sub_action: create child action: %w", err))
	}
	if len(tasks) == 0 {
		return agent.Result{}, errkind.Tag(errkind.Permanent, fmt.Errorf("sub_action: planner produced no tasks for %q", task.Prompt))
	}

	if err := a.store.SetTaskSubAction(ctx, task.ID, child.ID); err != nil {
		return agent.Result{}, errkind.Tag(errkind.Transient, err)
	}
	a.bus.Publish(eventbus.Event{Kind: eventbus.KindSubAction, ActionID: task.ActionID, TaskID: task.ID, Payload: map[string]string{"sub_action_id": child.ID}})

	if err := a.runner.Run(ctx, child.ID); err != nil {
		return agent.Result{}, errkind.Tag(errkind.Transient, fmt.Errorf("sub_action: run child action %s: %w", child.ID, err))
	}

	final, ok, err := a.store.GetAction(ctx, child.ID)
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.Transient, err)
	}
	if !ok {
		return agent.Result{}, errkind.Tag(errkind.AgentInternal, fmt.Errorf("sub_action: child action %s vanished after running", child.ID))
	}
	childTasks, err := a.store.ListTasks(ctx, child.ID)
	if err != nil {
		return agent.Result{}, errkind.Tag(errkind.Transient, err)
	}

	summary := summarize(final, childTasks)
	spawnLabels := observability.ActionLabels(task.ActionID)
	spawnLabels["child_status"] = final.Status
	observability.Default.IncCounter("sub_actions_spawned_total", spawnLabels, 1)
	if final.Status == graph.ActionFailed {
		return agent.Result{OutputSummary: summary}, errkind.Tag(errkind.Permanent, fmt.Errorf("sub_action: child action %s failed", child.ID))
	}
	return agent.Result{OutputSummary: summary}, nil
}

func specsToTasks(specs []graph.TaskSpec) []graph.Task {
	out := make([]graph.Task, len(specs))
	for i, sp := range specs {
		out[i] = graph.Task{
			ID:           sp.ID,
			Prompt:       sp.Prompt,
			AgentType:    sp.AgentType,
			Model:        sp.Model,
			ModuleID:     sp.ModuleID,
			Status:       graph.TaskPending,
			Dependencies: sp.Dependencies,
		}
	}
	return out
}

func summarize(action graph.Action, tasks []graph.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "sub-action %q (%s) finished %s with %d task(s):\n", action.Title, action.ID, action.Status, len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&sb, "- %s [%s]: %s\n", t.ID, t.Status, t.OutputSummary)
	}
	return sb.String()
}
